package models

import "time"

// PlanTier is the subscription tier looked up from the external account service.
type PlanTier string

const (
	PlanFree  PlanTier = "free"
	PlanBasic PlanTier = "basic"
	PlanPlus  PlanTier = "plus"
)

// IncludesMedia reports whether attachments are analyzed for this tier.
func (p PlanTier) IncludesMedia() bool {
	return p == PlanBasic || p == PlanPlus
}

// SubjectProfile describes the minor whose messages are scanned.
// Age 0 means unknown; Gender is "girl", "boy" or empty.
type SubjectProfile struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

// Account is the scanned account as seen through the account-service lookup.
type Account struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Profile SubjectProfile `json:"profile"`
	Plan    PlanTier       `json:"plan"`
}

// Message is one normalized message row produced by ingestion. The engine
// only reads messages and later prunes them during retention cleanup.
type Message struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"account_id"`
	ExternalID    string    `json:"external_id"`
	ChatID        string    `json:"chat_id"`
	ChatName      string    `json:"chat_name"`
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name"`
	FromSubject   bool      `json:"from_subject"`
	Body          string    `json:"body"`
	Timestamp     time.Time `json:"timestamp"`
	MediaKind     string    `json:"media_kind,omitempty"`
	MediaRef      string    `json:"media_ref,omitempty"`
	MediaAnalyzed bool      `json:"media_analyzed"`
	Transcript    string    `json:"transcript,omitempty"`
}

// ChatSummary is one distinct chat with stored messages.
type ChatSummary struct {
	ChatID       string    `json:"chat_id"`
	ChatName     string    `json:"chat_name"`
	IsGroup      bool      `json:"is_group"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Contact is a known conversation partner of the subject.
type Contact struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	MessageCount int       `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// ScanCursor tracks incremental per-chat scan progress. LastTimestamp is
// monotonically non-decreasing across runs.
type ScanCursor struct {
	AccountID     string    `json:"account_id"`
	ChatID        string    `json:"chat_id"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastMessageID string    `json:"last_message_id"`
	TotalSeen     int       `json:"total_seen"`
}

type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// ScanRun is one scan execution. It receives exactly one terminal update
// (completed or failed) and is immutable afterwards.
type ScanRun struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	Status          ScanStatus `json:"status"`
	MessagesScanned int        `json:"messages_scanned"`
	MessagesTotal   int        `json:"messages_total"`
	ChatsScanned    int        `json:"chats_scanned"`
	ChatsSkipped    int        `json:"chats_skipped"`
	AlertsFound     int        `json:"alerts_found"`
	Cost            float64    `json:"cost"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type AlertStatus string

const (
	AlertNew       AlertStatus = "new"
	AlertRead      AlertStatus = "read"
	AlertHandled   AlertStatus = "handled"
	AlertDismissed AlertStatus = "dismissed"
)

// Alert is one guardian-facing finding. Summary and Recommendation are
// generated text; an alert never carries verbatim message content.
type Alert struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"account_id"`
	ScanRunID      string      `json:"scan_run_id"`
	Severity       Severity    `json:"severity"`
	Category       string      `json:"category"`
	ChatID         string      `json:"chat_id"`
	ChatName       string      `json:"chat_name"`
	Summary        string      `json:"summary"`
	Recommendation string      `json:"recommendation"`
	Confidence     float64     `json:"confidence"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// RiskAggregate is the cumulative risk state for one (account, chat, category).
// Level never decreases through the engine's merge path.
type RiskAggregate struct {
	AccountID       string    `json:"account_id"`
	ChatID          string    `json:"chat_id"`
	Category        string    `json:"category"`
	Level           RiskLevel `json:"level"`
	HitCount        int       `json:"hit_count"`
	MaxSeverity     Severity  `json:"max_severity"`
	MaxConfidence   float64   `json:"max_confidence"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastDetectedAt  time.Time `json:"last_detected_at"`
}

// RiskEvent is one append-only detection record; the immutable history the
// aggregate summarizes.
type RiskEvent struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	ChatID     string    `json:"chat_id"`
	ChatName   string    `json:"chat_name"`
	Category   string    `json:"category"`
	Severity   Severity  `json:"severity"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	ScanRunID  string    `json:"scan_run_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewContact is a contact first seen since the previous scan run.
type NewContact struct {
	ContactID    string    `json:"contact_id"`
	Name         string    `json:"name"`
	MessageCount int       `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	Assessment   string    `json:"assessment,omitempty"`
}

// SuspiciousGroup is a group chat that produced at least one alert this run.
type SuspiciousGroup struct {
	ChatID   string `json:"chat_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// ScanResult is the machine-oriented output of one scan run.
type ScanResult struct {
	ScanRunID        string            `json:"scan_run_id"`
	AccountID        string            `json:"account_id"`
	MessagesScanned  int               `json:"messages_scanned"`
	MessagesTotal    int               `json:"messages_total"`
	ChatsScanned     int               `json:"chats_scanned"`
	ChatsSkipped     int               `json:"chats_skipped"`
	Alerts           []Alert           `json:"alerts"`
	NewContacts      []NewContact      `json:"new_contacts"`
	SuspiciousGroups []SuspiciousGroup `json:"suspicious_groups"`
	SkippedMedia     int               `json:"skipped_media"`
	Cost             float64           `json:"cost"`
	Duration         time.Duration     `json:"duration"`
}
