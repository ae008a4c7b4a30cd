package classifier

import (
	"context"

	"github.com/guardline/scanengine/internal/models"
)

// MinConfidence is the floor below which findings are discarded.
const MinConfidence = 0.5

// ChatContext identifies the conversation a batch belongs to.
type ChatContext struct {
	Name    string
	IsGroup bool
}

// Finding is one classified risk signal for a batch of messages.
// Summary and Recommendation are generated text and must never quote
// the source messages.
type Finding struct {
	Severity       models.Severity `json:"severity"`
	Category       string          `json:"category"`
	Summary        string          `json:"summary"`
	Recommendation string          `json:"recommendation"`
	Confidence     float64         `json:"confidence"`
}

// BatchResult is the outcome of one classification call. Cost is advisory,
// linear in token usage.
type BatchResult struct {
	Findings []Finding
	Cost     float64
}

// Classifier scores message batches for safety risks. Implementations never
// surface transport or parse errors: a failed call yields an empty result.
type Classifier interface {
	// ClassifyBatch runs the fast triage pass over newMsgs, with contextMsgs
	// as read-only preceding context.
	ClassifyBatch(ctx context.Context, profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message) BatchResult

	// DeepAnalyze re-examines the same batch with a stronger model, taking
	// the triage findings as prior hypotheses. Its output replaces the
	// triage output for the batch.
	DeepAnalyze(ctx context.Context, profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message, prior []Finding) BatchResult

	// AssessContact produces a short free-text assessment of a new
	// contact's conversation with the subject.
	AssessContact(ctx context.Context, profile models.SubjectProfile, contactName string, msgs []models.Message) (string, float64)
}

// Text taxonomy, by severity tier. Media analysis adds self_harm, weapon,
// threat and personal_info on top of these.
var (
	CriticalCategories = []string{"exclusion", "suicidal", "grooming", "sexual", "drugs"}
	HighCategories     = []string{"bullying", "violence"}
	MediumCategories   = []string{"pressure", "language"}
	MediaCategories    = []string{"self_harm", "weapon", "threat", "personal_info"}
)
