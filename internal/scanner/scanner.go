package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/classifier"
	"github.com/guardline/scanengine/internal/media"
	"github.com/guardline/scanengine/internal/models"
	"github.com/guardline/scanengine/internal/risk"
	"github.com/guardline/scanengine/internal/storage"
)

const (
	// scanWindow is the number of newest messages considered per chat.
	scanWindow = 150
	// batchSize is the number of messages per classification call.
	batchSize = 50
	// batchContext is the number of preceding messages sent as read-only context.
	batchContext = 15
	// contextKeep is the number of messages retained per chat after cleanup.
	contextKeep = 15
	// mediaPerChat bounds attachment analysis per chat per run.
	mediaPerChat = 20
	// escalationConfidence is the floor for triggering the deep pass.
	escalationConfidence = 0.6
	// assessMinMessages is the minimum conversation length before a new
	// contact gets a relationship assessment.
	assessMinMessages = 3
	// assessWindow is how many recent messages feed that assessment.
	assessWindow = 20
)

// Disconnector severs the account's live message feed. The registry behind
// it belongs to the ingestion side; the engine only needs this one call.
type Disconnector interface {
	Disconnect(ctx context.Context, accountID string) error
}

// Scanner drives a full account scan: chat selection, incremental cursors,
// batched classification with escalation, media analysis, risk aggregation
// and retention cleanup.
type Scanner struct {
	store      storage.Store
	classifier classifier.Classifier
	media      media.Analyzer
	risk       *risk.Recorder
	feed       Disconnector
	logger     *zap.Logger
	now        func() time.Time
}

func New(store storage.Store, clf classifier.Classifier, analyzer media.Analyzer, recorder *risk.Recorder, feed Disconnector, logger *zap.Logger) *Scanner {
	return &Scanner{
		store:      store,
		classifier: clf,
		media:      analyzer,
		risk:       recorder,
		feed:       feed,
		logger:     logger,
		now:        time.Now,
	}
}

// RunScan scans every eligible chat of the account. It returns an error for
// an unknown account or a failure before any chat progress; per-chat and
// per-call failures are isolated and the scan continues.
func (s *Scanner) RunScan(ctx context.Context, accountID string) (*models.ScanResult, error) {
	start := s.now()

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	run := &models.ScanRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    models.ScanRunning,
		StartedAt: start,
	}
	if err := s.store.CreateScanRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating scan run: %w", err)
	}

	chats, err := s.store.ListChats(ctx, accountID)
	if err != nil {
		return nil, s.failRun(ctx, run, fmt.Errorf("listing chats: %w", err))
	}

	s.logger.Info("scan started",
		zap.String("account_id", accountID),
		zap.String("scan_run_id", run.ID),
		zap.Int("chats", len(chats)),
		zap.String("plan", string(account.Plan)))

	result := &models.ScanResult{ScanRunID: run.ID, AccountID: accountID}
	for _, chat := range chats {
		result.MessagesTotal += chat.MessageCount
		s.scanChat(ctx, account, run, chat, result)
	}

	s.collectNewContacts(ctx, account, result)
	result.SuspiciousGroups = suspiciousGroups(result.Alerts, chats)

	run.Status = models.ScanCompleted
	run.MessagesScanned = result.MessagesScanned
	run.MessagesTotal = result.MessagesTotal
	run.ChatsScanned = result.ChatsScanned
	run.ChatsSkipped = result.ChatsSkipped
	run.AlertsFound = len(result.Alerts)
	run.Cost = result.Cost
	run.CompletedAt = s.now()
	if err := s.store.FinishScanRun(ctx, run); err != nil {
		s.logger.Error("failed to finish scan run", zap.String("scan_run_id", run.ID), zap.Error(err))
	}

	// Free tier keeps no standing connection: sever the feed once the run
	// is terminal, as a security and privacy trade-off.
	if account.Plan == models.PlanFree {
		if err := s.feed.Disconnect(ctx, accountID); err != nil {
			s.logger.Error("feed disconnect failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}

	result.Duration = s.now().Sub(start)
	s.logger.Info("scan completed",
		zap.String("account_id", accountID),
		zap.Int("messages_scanned", result.MessagesScanned),
		zap.Int("alerts", len(result.Alerts)),
		zap.Float64("cost", result.Cost),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *Scanner) failRun(ctx context.Context, run *models.ScanRun, cause error) error {
	run.Status = models.ScanFailed
	run.Error = cause.Error()
	run.CompletedAt = s.now()
	if err := s.store.FinishScanRun(ctx, run); err != nil {
		s.logger.Error("failed to mark scan run failed", zap.String("scan_run_id", run.ID), zap.Error(err))
	}
	return cause
}

func (s *Scanner) scanChat(ctx context.Context, account *models.Account, run *models.ScanRun, chat models.ChatSummary, result *models.ScanResult) {
	listed, err := s.isSafetyListed(ctx, account.ID, chat)
	if err != nil {
		s.logger.Error("safety-list lookup failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
	}
	if listed {
		result.ChatsSkipped++
		s.cleanupChat(ctx, account.ID, chat.ChatID)
		return
	}

	msgs, err := s.store.RecentMessages(ctx, account.ID, chat.ChatID, scanWindow)
	if err != nil {
		s.logger.Error("loading messages failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	last := msgs[len(msgs)-1]
	cursor, err := s.store.GetCursor(ctx, account.ID, chat.ChatID)
	if err != nil {
		s.logger.Error("loading cursor failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
	}
	if cursor != nil && cursor.LastMessageID == last.ExternalID {
		// Nothing new since the previous run.
		result.ChatsSkipped++
		return
	}

	result.ChatsScanned++
	chatCtx := classifier.ChatContext{Name: chat.ChatName, IsGroup: chat.IsGroup}

	for i := 0; i < len(msgs); i += batchSize {
		end := min(i+batchSize, len(msgs))
		batch := msgs[i:end]
		contextMsgs := msgs[max(0, i-batchContext):i]

		triage := s.classifier.ClassifyBatch(ctx, account.Profile, chatCtx, contextMsgs, batch)
		result.Cost += triage.Cost
		result.MessagesScanned += len(batch)

		findings := triage.Findings
		if needsEscalation(findings) {
			deep := s.classifier.DeepAnalyze(ctx, account.Profile, chatCtx, contextMsgs, batch, findings)
			result.Cost += deep.Cost
			// The deep pass is authoritative for the batch.
			findings = deep.Findings
		}

		for _, f := range findings {
			s.recordFinding(ctx, account.ID, run.ID, chat, f.Severity, f.Category, f.Summary, f.Recommendation, f.Confidence, result)
		}
	}

	s.scanChatMedia(ctx, account, run, chat, result)

	totalSeen := len(msgs)
	if cursor != nil {
		totalSeen += cursor.TotalSeen
	}
	if err := s.store.UpsertCursor(ctx, &models.ScanCursor{
		AccountID:     account.ID,
		ChatID:        chat.ChatID,
		LastTimestamp: last.Timestamp,
		LastMessageID: last.ExternalID,
		TotalSeen:     totalSeen,
	}); err != nil {
		s.logger.Error("cursor update failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
		// Without a durable cursor the cleanup below could lose unscanned
		// context; leave the chat intact and re-scan it next run.
		return
	}

	// Retention cleanup runs last, after alerts and cursor are durable.
	s.cleanupChat(ctx, account.ID, chat.ChatID)
}

// needsEscalation reports whether any triage finding is severe and confident
// enough to warrant the deep pass.
func needsEscalation(findings []classifier.Finding) bool {
	for _, f := range findings {
		if f.Severity >= models.SeverityHigh && f.Confidence >= escalationConfidence {
			return true
		}
	}
	return false
}

func (s *Scanner) isSafetyListed(ctx context.Context, accountID string, chat models.ChatSummary) (bool, error) {
	if chat.IsGroup {
		return s.store.GroupHasSafeContact(ctx, accountID, chat.ChatID)
	}
	return s.store.IsSafeContact(ctx, accountID, chat.ChatID)
}

func (s *Scanner) recordFinding(ctx context.Context, accountID, scanRunID string, chat models.ChatSummary, severity models.Severity, category, summary, recommendation string, confidence float64, result *models.ScanResult) {
	alert := models.Alert{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		ScanRunID:      scanRunID,
		Severity:       severity,
		Category:       category,
		ChatID:         chat.ChatID,
		ChatName:       chat.ChatName,
		Summary:        summary,
		Recommendation: recommendation,
		Confidence:     confidence,
		Status:         models.AlertNew,
		CreatedAt:      s.now(),
	}
	if err := s.store.InsertAlert(ctx, &alert); err != nil {
		s.logger.Error("alert insert failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
	}
	if err := s.risk.Record(ctx, risk.Detection{
		AccountID:  accountID,
		ChatID:     chat.ChatID,
		ChatName:   chat.ChatName,
		Category:   category,
		Severity:   severity,
		Confidence: confidence,
		Summary:    summary,
		ScanRunID:  scanRunID,
		DetectedAt: alert.CreatedAt,
	}); err != nil {
		s.logger.Error("risk recording failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
	}
	result.Alerts = append(result.Alerts, alert)
}

func (s *Scanner) scanChatMedia(ctx context.Context, account *models.Account, run *models.ScanRun, chat models.ChatSummary, result *models.ScanResult) {
	pending, err := s.store.UnanalyzedMedia(ctx, account.ID, chat.ChatID, mediaPerChat)
	if err != nil {
		s.logger.Error("media lookup failed", zap.String("chat_id", chat.ChatID), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	if !account.Plan.IncludesMedia() {
		// Count but leave the rows untouched so a plan upgrade can still
		// analyze them.
		result.SkippedMedia += len(pending)
		return
	}

	for _, msg := range pending {
		res, err := s.media.AnalyzeAttachment(ctx, msg.MediaKind, msg.MediaRef)
		if err != nil {
			s.logger.Warn("attachment skipped",
				zap.String("chat_id", chat.ChatID),
				zap.String("kind", msg.MediaKind),
				zap.Error(err))
			if markErr := s.store.MarkMediaAnalyzed(ctx, msg.ID, "unreadable"); markErr != nil {
				s.logger.Error("marking media failed", zap.Int64("message_id", msg.ID), zap.Error(markErr))
			}
			continue
		}

		result.Cost += res.Cost
		if err := s.store.MarkMediaAnalyzed(ctx, msg.ID, res.Description); err != nil {
			s.logger.Error("marking media failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		if res.Transcript != "" {
			if err := s.store.SetTranscript(ctx, msg.ID, res.Transcript); err != nil {
				s.logger.Error("saving transcript failed", zap.Int64("message_id", msg.ID), zap.Error(err))
			}
		}

		for _, flag := range res.Flags {
			s.recordFinding(ctx, account.ID, run.ID, chat, flag.Severity, flag.Category, flag.Detail,
				media.RecommendationFor(flag.Category), flag.Confidence, result)
		}
	}
}

// cleanupChat enforces retention: only the trailing context window survives,
// and attachment files whose rows were pruned are removed from disk.
func (s *Scanner) cleanupChat(ctx context.Context, accountID, chatID string) {
	before, err := s.store.MediaRefsForChat(ctx, accountID, chatID)
	if err != nil {
		s.logger.Error("media ref lookup failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if err := s.store.PruneMessages(ctx, accountID, chatID, contextKeep); err != nil {
		s.logger.Error("message pruning failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	after, err := s.store.MediaRefsForChat(ctx, accountID, chatID)
	if err != nil {
		s.logger.Error("media ref lookup failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}

	remaining := make(map[string]bool, len(after))
	for _, ref := range after {
		remaining[ref] = true
	}
	for _, ref := range before {
		if ref == "" || remaining[ref] {
			continue
		}
		if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("orphaned media file not removed", zap.Error(err))
		}
	}
}

func (s *Scanner) collectNewContacts(ctx context.Context, account *models.Account, result *models.ScanResult) {
	history, err := s.store.ScanHistory(ctx, account.ID, 2)
	if err != nil {
		s.logger.Error("scan history lookup failed", zap.String("account_id", account.ID), zap.Error(err))
		return
	}
	var prev time.Time
	if len(history) > 1 {
		// history[0] is the run in progress.
		prev = history[1].StartedAt
	}

	contacts, err := s.store.NewContactsSince(ctx, account.ID, prev)
	if err != nil {
		s.logger.Error("new contact lookup failed", zap.String("account_id", account.ID), zap.Error(err))
		return
	}

	for _, contact := range contacts {
		safe, err := s.store.IsSafeContact(ctx, account.ID, contact.ID)
		if err != nil {
			s.logger.Error("safety-list lookup failed", zap.String("contact_id", contact.ID), zap.Error(err))
		}
		if safe {
			continue
		}

		name := contact.Name
		if name == "" {
			name = contact.ID
		}
		info := models.NewContact{
			ContactID:    contact.ID,
			Name:         name,
			MessageCount: contact.MessageCount,
			FirstSeen:    contact.FirstSeen,
		}

		msgs, err := s.store.MessagesWithContact(ctx, account.ID, contact.ID, assessWindow)
		if err == nil && len(msgs) >= assessMinMessages {
			assessment, cost := s.classifier.AssessContact(ctx, account.Profile, name, msgs)
			info.Assessment = assessment
			result.Cost += cost
		}

		result.NewContacts = append(result.NewContacts, info)
	}
}

// suspiciousGroups extracts the distinct group chats that produced at least
// one alert this run, keyed on the first alert seen per group.
func suspiciousGroups(alerts []models.Alert, chats []models.ChatSummary) []models.SuspiciousGroup {
	isGroup := make(map[string]bool, len(chats))
	for _, chat := range chats {
		isGroup[chat.ChatID] = chat.IsGroup
	}

	seen := make(map[string]bool)
	var groups []models.SuspiciousGroup
	for _, alert := range alerts {
		if !isGroup[alert.ChatID] || seen[alert.ChatID] {
			continue
		}
		seen[alert.ChatID] = true
		groups = append(groups, models.SuspiciousGroup{
			ChatID:   alert.ChatID,
			Name:     alert.ChatName,
			Category: alert.Category,
			Reason:   alert.Summary,
		})
	}
	return groups
}
