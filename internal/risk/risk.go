package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/models"
	"github.com/guardline/scanengine/internal/storage"
)

// ComputeRiskLevel maps a finding's severity and confidence to the
// cumulative risk scale. Pure and deterministic.
func ComputeRiskLevel(severity models.Severity, confidence float64) models.RiskLevel {
	switch {
	case severity >= models.SeverityCritical,
		severity >= models.SeverityHigh && confidence >= 0.7:
		return models.RiskCritical
	case severity >= models.SeverityHigh,
		severity >= models.SeverityMedium && confidence >= 0.7:
		return models.RiskHigh
	case severity >= models.SeverityMedium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Merge folds one detection into the aggregate for its (chat, category).
// The risk level only ever goes up; hit count grows by one; severity,
// confidence and timestamps take running maxima. existing may be nil.
func Merge(existing *models.RiskAggregate, accountID, chatID, category string, severity models.Severity, confidence float64, at time.Time) models.RiskAggregate {
	level := ComputeRiskLevel(severity, confidence)
	if existing == nil {
		return models.RiskAggregate{
			AccountID:       accountID,
			ChatID:          chatID,
			Category:        category,
			Level:           level,
			HitCount:        1,
			MaxSeverity:     severity,
			MaxConfidence:   confidence,
			FirstDetectedAt: at,
			LastDetectedAt:  at,
		}
	}

	merged := *existing
	if level > merged.Level {
		merged.Level = level
	}
	merged.HitCount++
	if severity > merged.MaxSeverity {
		merged.MaxSeverity = severity
	}
	if confidence > merged.MaxConfidence {
		merged.MaxConfidence = confidence
	}
	if at.After(merged.LastDetectedAt) {
		merged.LastDetectedAt = at
	}
	return merged
}

// Recorder persists detections: one immutable event appended per call, plus
// the monotonic per-(chat, category) aggregate.
type Recorder struct {
	store  storage.Store
	logger *zap.Logger
}

func NewRecorder(store storage.Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Detection is one risk signal to record.
type Detection struct {
	AccountID  string
	ChatID     string
	ChatName   string
	Category   string
	Severity   models.Severity
	Confidence float64
	Summary    string
	ScanRunID  string
	DetectedAt time.Time
}

func (r *Recorder) Record(ctx context.Context, d Detection) error {
	event := &models.RiskEvent{
		AccountID:  d.AccountID,
		ChatID:     d.ChatID,
		ChatName:   d.ChatName,
		Category:   d.Category,
		Severity:   d.Severity,
		Confidence: d.Confidence,
		Summary:    d.Summary,
		ScanRunID:  d.ScanRunID,
		DetectedAt: d.DetectedAt,
	}
	if err := r.store.AppendRiskEvent(ctx, event); err != nil {
		return fmt.Errorf("appending risk event: %w", err)
	}

	existing, err := r.store.GetRiskAggregate(ctx, d.AccountID, d.ChatID, d.Category)
	if err != nil {
		return fmt.Errorf("loading risk aggregate: %w", err)
	}
	merged := Merge(existing, d.AccountID, d.ChatID, d.Category, d.Severity, d.Confidence, d.DetectedAt)
	if err := r.store.UpsertRiskAggregate(ctx, &merged); err != nil {
		return fmt.Errorf("upserting risk aggregate: %w", err)
	}

	r.logger.Debug("risk recorded",
		zap.String("account_id", d.AccountID),
		zap.String("category", d.Category),
		zap.String("level", merged.Level.String()),
		zap.Int("hit_count", merged.HitCount))
	return nil
}
