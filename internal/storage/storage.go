package storage

import (
	"context"
	"errors"
	"time"

	"github.com/guardline/scanengine/internal/models"
)

// ErrAccountNotFound is returned for lookups of unknown accounts.
var ErrAccountNotFound = errors.New("account not found")

// Store is the fixed schema the engine depends on. The persistent store
// itself is external; these are the queries and mutations the engine needs.
type Store interface {
	// Accounts and contacts (lookups owned by the account service).
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	IsSafeContact(ctx context.Context, accountID, contactID string) (bool, error)
	GroupHasSafeContact(ctx context.Context, accountID, groupID string) (bool, error)
	NewContactsSince(ctx context.Context, accountID string, since time.Time) ([]models.Contact, error)

	// Messages (owned by ingestion; read and pruned here).
	ListChats(ctx context.Context, accountID string) ([]models.ChatSummary, error)
	RecentMessages(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error)
	MessagesWithContact(ctx context.Context, accountID, contactID string, limit int) ([]models.Message, error)
	UnanalyzedMedia(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error)
	MarkMediaAnalyzed(ctx context.Context, messageID int64, note string) error
	SetTranscript(ctx context.Context, messageID int64, transcript string) error
	MediaRefsForChat(ctx context.Context, accountID, chatID string) ([]string, error)
	PruneMessages(ctx context.Context, accountID, chatID string, keep int) error

	// Scan cursors.
	GetCursor(ctx context.Context, accountID, chatID string) (*models.ScanCursor, error)
	UpsertCursor(ctx context.Context, cursor *models.ScanCursor) error

	// Scan runs.
	CreateScanRun(ctx context.Context, run *models.ScanRun) error
	FinishScanRun(ctx context.Context, run *models.ScanRun) error
	ScanHistory(ctx context.Context, accountID string, limit int) ([]models.ScanRun, error)

	// Alerts.
	InsertAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus) error

	// Risk state.
	GetRiskAggregate(ctx context.Context, accountID, chatID, category string) (*models.RiskAggregate, error)
	UpsertRiskAggregate(ctx context.Context, agg *models.RiskAggregate) error
	RiskAggregatesForAccount(ctx context.Context, accountID string) ([]models.RiskAggregate, error)
	AppendRiskEvent(ctx context.Context, event *models.RiskEvent) error
	RiskEventsForCategory(ctx context.Context, accountID, category string, limit int) ([]models.RiskEvent, error)

	Close() error
}
