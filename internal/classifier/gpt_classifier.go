package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/models"
)

// modelRate is the advisory cost per million input/output tokens.
type modelRate struct {
	Input  float64
	Output float64
}

var defaultRate = modelRate{Input: 0.1, Output: 0.4}

// GPTClassifier drives the external completion service for both triage and
// deep passes. All failures at this boundary are swallowed into empty
// results; the scan favors forward progress over completeness.
type GPTClassifier struct {
	client      *openai.Client
	fastModel   string
	deepModel   string
	temperature float32
	rates       map[string]modelRate
	logger      *zap.Logger
}

func NewGPTClassifier(apiKey, baseURL, fastModel, deepModel string, temperature float32, logger *zap.Logger) *GPTClassifier {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &GPTClassifier{
		client:      openai.NewClientWithConfig(config),
		fastModel:   fastModel,
		deepModel:   deepModel,
		temperature: temperature,
		rates: map[string]modelRate{
			fastModel: {Input: 0.075, Output: 0.3},
			deepModel: {Input: 0.1, Output: 0.4},
		},
		logger: logger,
	}
}

func (c *GPTClassifier) costFor(model string, usage openai.Usage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		rate = defaultRate
	}
	return float64(usage.PromptTokens)/1_000_000*rate.Input +
		float64(usage.CompletionTokens)/1_000_000*rate.Output
}

// CompleteJSON issues one structured-output completion and returns the raw
// content plus its advisory cost. The media subsystem builds on this.
func (c *GPTClassifier) CompleteJSON(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, float64, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          model,
		Temperature:    c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Messages:       messages,
	})
	if err != nil {
		return "", 0, err
	}
	cost := c.costFor(model, resp.Usage)
	if len(resp.Choices) == 0 {
		return "", cost, nil
	}
	return resp.Choices[0].Message.Content, cost, nil
}

// VisionModel exposes the stronger model used for image and audio calls.
func (c *GPTClassifier) VisionModel() string {
	return c.deepModel
}

// Transcribe sends an audio file to the external transcription endpoint.
func (c *GPTClassifier) Transcribe(ctx context.Context, path string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

type wireFinding struct {
	Severity       string  `json:"severity"`
	Category       string  `json:"category"`
	Summary        string  `json:"summary"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

type wireFindings struct {
	Findings []wireFinding `json:"findings"`
}

// parseFindings tolerates malformed output: anything unparseable means
// "nothing found", never an error. Findings below the confidence floor are
// dropped; unknown severities default to low.
func parseFindings(content string) []Finding {
	findings, _ := parseFindingsStrict(content)
	return findings
}

func parseFindingsStrict(content string) ([]Finding, error) {
	var wire wireFindings
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &wire); err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(wire.Findings))
	for _, f := range wire.Findings {
		if f.Confidence < MinConfidence {
			continue
		}
		severity, _ := models.ParseSeverity(f.Severity)
		findings = append(findings, Finding{
			Severity:       severity,
			Category:       f.Category,
			Summary:        f.Summary,
			Recommendation: f.Recommendation,
			Confidence:     f.Confidence,
		})
	}
	return findings, nil
}

func (c *GPTClassifier) ClassifyBatch(ctx context.Context, profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message) BatchResult {
	content, cost, err := c.CompleteJSON(ctx, c.fastModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(profile)},
		{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(profile, chat, contextMsgs, newMsgs)},
	})
	if err != nil {
		c.logger.Error("triage classification failed",
			zap.String("chat", chat.Name),
			zap.Int("batch_size", len(newMsgs)),
			zap.Error(err))
		return BatchResult{}
	}
	return BatchResult{Findings: parseFindings(content), Cost: cost}
}

func (c *GPTClassifier) DeepAnalyze(ctx context.Context, profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message, prior []Finding) BatchResult {
	priorJSON, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		priorJSON = []byte("[]")
	}
	content, cost, err := c.CompleteJSON(ctx, c.deepModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(profile)},
		{Role: openai.ChatMessageRoleUser, Content: buildDeepPrompt(profile, chat, contextMsgs, newMsgs, string(priorJSON))},
	})
	if err != nil {
		c.logger.Error("deep analysis failed",
			zap.String("chat", chat.Name),
			zap.Error(err))
		// Keep the triage findings rather than silently dropping them.
		return BatchResult{Findings: prior}
	}
	findings, parseErr := parseFindingsStrict(content)
	if parseErr != nil {
		c.logger.Error("deep analysis returned unparseable output",
			zap.String("chat", chat.Name),
			zap.Error(parseErr))
		return BatchResult{Findings: prior, Cost: cost}
	}
	return BatchResult{Findings: findings, Cost: cost}
}

func (c *GPTClassifier) AssessContact(ctx context.Context, profile models.SubjectProfile, contactName string, msgs []models.Message) (string, float64) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.fastModel,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: buildAssessPrompt(profile, contactName, msgs)},
		},
	})
	if err != nil {
		c.logger.Error("contact assessment failed",
			zap.String("contact", contactName),
			zap.Error(err))
		return "", 0
	}
	cost := c.costFor(c.fastModel, resp.Usage)
	if len(resp.Choices) == 0 {
		return "", cost
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), cost
}
