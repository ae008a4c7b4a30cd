package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/classifier"
	"github.com/guardline/scanengine/internal/media"
	"github.com/guardline/scanengine/internal/models"
	"github.com/guardline/scanengine/internal/risk"
	"github.com/guardline/scanengine/internal/storage"
)

type stubClassifier struct {
	triage      []classifier.BatchResult
	deep        []classifier.BatchResult
	triageCalls int
	deepCalls   int
	lastPrior   []classifier.Finding
	assessment  string
	assessCost  float64
	assessCalls int
}

func (s *stubClassifier) ClassifyBatch(ctx context.Context, profile models.SubjectProfile, chat classifier.ChatContext, contextMsgs, newMsgs []models.Message) classifier.BatchResult {
	s.triageCalls++
	if len(s.triage) == 0 {
		return classifier.BatchResult{}
	}
	result := s.triage[0]
	s.triage = s.triage[1:]
	return result
}

func (s *stubClassifier) DeepAnalyze(ctx context.Context, profile models.SubjectProfile, chat classifier.ChatContext, contextMsgs, newMsgs []models.Message, prior []classifier.Finding) classifier.BatchResult {
	s.deepCalls++
	s.lastPrior = prior
	if len(s.deep) == 0 {
		return classifier.BatchResult{}
	}
	result := s.deep[0]
	s.deep = s.deep[1:]
	return result
}

func (s *stubClassifier) AssessContact(ctx context.Context, profile models.SubjectProfile, contactName string, msgs []models.Message) (string, float64) {
	s.assessCalls++
	return s.assessment, s.assessCost
}

type stubAnalyzer struct {
	result *media.Result
	err    error
	calls  int
}

func (a *stubAnalyzer) AnalyzeAttachment(ctx context.Context, kind, path string) (*media.Result, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &media.Result{Kind: kind}, nil
}

// recordingDisconnector captures the run status visible at disconnect time.
type recordingDisconnector struct {
	store        *storage.MemoryStore
	calls        int
	statusAtCall models.ScanStatus
}

func (d *recordingDisconnector) Disconnect(ctx context.Context, accountID string) error {
	d.calls++
	runs, err := d.store.ScanHistory(ctx, accountID, 1)
	if err == nil && len(runs) > 0 {
		d.statusAtCall = runs[0].Status
	}
	return nil
}

func newTestScanner(store *storage.MemoryStore, clf classifier.Classifier, analyzer media.Analyzer, feed Disconnector) *Scanner {
	logger := zap.NewNop()
	return New(store, clf, analyzer, risk.NewRecorder(store, logger), feed, logger)
}

func seedAccount(store *storage.MemoryStore, plan models.PlanTier) *models.Account {
	account := &models.Account{
		ID:      "acc-1",
		Name:    "Guardian",
		Profile: models.SubjectProfile{Name: "Dana", Age: 12, Gender: "girl"},
		Plan:    plan,
	}
	store.AddAccount(account)
	return account
}

func seedChat(store *storage.MemoryStore, chatID, chatName string, count int, start time.Time) {
	for i := 0; i < count; i++ {
		store.AddMessage(models.Message{
			AccountID:   "acc-1",
			ExternalID:  fmt.Sprintf("%s-m%03d", chatID, i),
			ChatID:      chatID,
			ChatName:    chatName,
			SenderID:    chatID,
			SenderName:  chatName,
			FromSubject: i%2 == 1,
			Body:        fmt.Sprintf("message %d", i),
			Timestamp:   start.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestRunScanUnknownAccount(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := newTestScanner(store, &stubClassifier{}, &stubAnalyzer{}, &recordingDisconnector{store: store})

	_, err := engine.RunScan(context.Background(), "nobody")
	require.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestRunScanEscalationScenario(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChat(store, "chat-1", "Alex", 60, start)

	clf := &stubClassifier{
		triage: []classifier.BatchResult{{
			Findings: []classifier.Finding{{
				Severity:   models.SeverityHigh,
				Category:   "bullying",
				Summary:    "sustained humiliation",
				Confidence: 0.65,
			}},
			Cost: 0.01,
		}},
		deep: []classifier.BatchResult{{
			Findings: []classifier.Finding{{
				Severity:       models.SeverityHigh,
				Category:       "bullying",
				Summary:        "confirmed humiliation pattern",
				Recommendation: "contact the school",
				Confidence:     0.8,
			}},
			Cost: 0.05,
		}},
	}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	// 60 messages in batches of 50: two triage calls, one escalation
	// (only the first batch produced a qualifying finding).
	require.Equal(t, 2, clf.triageCalls)
	require.Equal(t, 1, clf.deepCalls)
	require.Equal(t, "sustained humiliation", clf.lastPrior[0].Summary)

	require.Len(t, result.Alerts, 1)
	require.Equal(t, "confirmed humiliation pattern", result.Alerts[0].Summary)
	require.Equal(t, 60, result.MessagesScanned)
	require.Equal(t, 1, result.ChatsScanned)
	require.InDelta(t, 0.06, result.Cost, 1e-9)

	cursor, err := store.GetCursor(context.Background(), "acc-1", "chat-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.Equal(t, "chat-1-m059", cursor.LastMessageID)
	require.Equal(t, 60, cursor.TotalSeen)

	require.Equal(t, 15, store.MessageCount("acc-1", "chat-1"))

	runs, err := store.ScanHistory(context.Background(), "acc-1", 1)
	require.NoError(t, err)
	require.Equal(t, models.ScanCompleted, runs[0].Status)
	require.Equal(t, 1, runs[0].AlertsFound)
}

func TestRunScanEscalationReplacesTriage(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	seedChat(store, "chat-1", "Alex", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{
		triage: []classifier.BatchResult{{
			Findings: []classifier.Finding{{Severity: models.SeverityCritical, Category: "grooming", Summary: "triage view", Confidence: 0.8}},
		}},
		deep: []classifier.BatchResult{{
			Findings: []classifier.Finding{{Severity: models.SeverityMedium, Category: "pressure", Summary: "deep view", Confidence: 0.7}},
		}},
	}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Len(t, result.Alerts, 1)
	require.Equal(t, "deep view", result.Alerts[0].Summary)
	require.Equal(t, "pressure", result.Alerts[0].Category)
}

func TestRunScanNoEscalationBelowThreshold(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	seedChat(store, "chat-1", "Alex", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{
		triage: []classifier.BatchResult{{
			Findings: []classifier.Finding{
				{Severity: models.SeverityHigh, Category: "violence", Summary: "uncertain", Confidence: 0.55},
				{Severity: models.SeverityMedium, Category: "pressure", Summary: "confident but medium", Confidence: 0.9},
			},
		}},
	}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Zero(t, clf.deepCalls)
	require.Len(t, result.Alerts, 2)
}

func TestRunScanSafetyListedChatSkippedButCleaned(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	store.AddSafeContact("acc-1", "chat-1")
	seedChat(store, "chat-1", "Grandma", 30, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, 1, result.ChatsSkipped)
	require.Zero(t, result.ChatsScanned)
	require.Empty(t, result.Alerts)
	require.Zero(t, clf.triageCalls)
	require.Equal(t, 15, store.MessageCount("acc-1", "chat-1"), "retention cleanup still applies")
}

func TestRunScanGroupWithSafeMemberSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	store.AddContact("acc-1", &models.Contact{ID: "group-1", Name: "Family", IsGroup: true})
	store.AddSafeContact("acc-1", "aunt")
	store.AddGroupMember("acc-1", "group-1", "aunt")
	seedChat(store, "group-1", "Family", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.ChatsSkipped)
	require.Zero(t, clf.triageCalls)
}

func TestRunScanIdempotentOnUnchangedChat(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	seedChat(store, "chat-1", "Alex", 40, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})
	ctx := context.Background()

	first, err := engine.RunScan(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, 1, first.ChatsScanned)
	firstCalls := clf.triageCalls

	second, err := engine.RunScan(ctx, "acc-1")
	require.NoError(t, err)
	require.Zero(t, second.ChatsScanned)
	require.Equal(t, 1, second.ChatsSkipped)
	require.Empty(t, second.Alerts)
	require.Zero(t, second.Cost)
	require.Equal(t, firstCalls, clf.triageCalls, "no new classification calls")
}

func TestRunScanFreeTierDisconnectsOnceAfterCompletion(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanFree)
	seedChat(store, "chat-1", "Alex", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	feed := &recordingDisconnector{store: store}
	engine := newTestScanner(store, &stubClassifier{}, &stubAnalyzer{}, feed)

	_, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, 1, feed.calls)
	require.Equal(t, models.ScanCompleted, feed.statusAtCall, "disconnect happens after the run is terminal")
}

func TestRunScanPaidTierKeepsConnection(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanBasic)
	seedChat(store, "chat-1", "Alex", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	feed := &recordingDisconnector{store: store}
	engine := newTestScanner(store, &stubClassifier{}, &stubAnalyzer{}, feed)

	_, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Zero(t, feed.calls)
}

func TestRunScanFreeTierSkipsMediaWithoutMarking(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanFree)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChat(store, "chat-1", "Alex", 5, start)
	store.AddMessage(models.Message{
		AccountID:  "acc-1",
		ExternalID: "chat-1-photo",
		ChatID:     "chat-1",
		ChatName:   "Alex",
		Body:       "[photo]",
		Timestamp:  start.Add(time.Hour),
		MediaKind:  "image",
		MediaRef:   "/tmp/does-not-matter.jpg",
	})

	analyzer := &stubAnalyzer{}
	engine := newTestScanner(store, &stubClassifier{}, analyzer, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, 1, result.SkippedMedia)
	require.Zero(t, analyzer.calls)

	pending, err := store.UnanalyzedMedia(context.Background(), "acc-1", "chat-1", 20)
	require.NoError(t, err)
	require.Len(t, pending, 1, "skipped media stays pending for a plan upgrade")
}

func TestRunScanMediaFindingsBecomeAlerts(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChat(store, "chat-1", "Alex", 5, start)
	store.AddMessage(models.Message{
		AccountID:  "acc-1",
		ExternalID: "chat-1-voice",
		ChatID:     "chat-1",
		ChatName:   "Alex",
		Body:       "[voice message]",
		Timestamp:  start.Add(time.Hour),
		MediaKind:  "audio",
		MediaRef:   "/tmp/voice.ogg",
	})

	analyzer := &stubAnalyzer{result: &media.Result{
		Kind:        "audio",
		Description: "a voice message",
		Transcript:  "transcribed words",
		Flags: []media.Flag{
			{Severity: models.SeverityHigh, Category: "threat", Detail: "threatening tone", Confidence: 0.75},
		},
		Cost: 0.003,
	}}
	engine := newTestScanner(store, &stubClassifier{}, analyzer, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, 1, analyzer.calls)
	require.Zero(t, result.SkippedMedia)
	require.Len(t, result.Alerts, 1)
	require.Equal(t, "threat", result.Alerts[0].Category)
	require.Equal(t, media.RecommendationFor("threat"), result.Alerts[0].Recommendation)
	require.InDelta(t, 0.003, result.Cost, 1e-9)
}

func TestRunScanUnreadableMediaIsolated(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChat(store, "chat-1", "Alex", 5, start)
	store.AddMessage(models.Message{
		AccountID:  "acc-1",
		ExternalID: "chat-1-broken",
		ChatID:     "chat-1",
		ChatName:   "Alex",
		Body:       "[photo]",
		Timestamp:  start.Add(time.Hour),
		MediaKind:  "image",
		MediaRef:   "/tmp/broken.jpg",
	})

	analyzer := &stubAnalyzer{err: media.ErrUnreadable}
	engine := newTestScanner(store, &stubClassifier{}, analyzer, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err, "one unreadable file never fails the run")
	require.Empty(t, result.Alerts)

	pending, err := store.UnanalyzedMedia(context.Background(), "acc-1", "chat-1", 20)
	require.NoError(t, err)
	require.Empty(t, pending, "unreadable media is marked so it is not retried forever")
}

func TestRunScanDeletesOrphanedMediaFiles(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanFree)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.jpg")
	newFile := filepath.Join(dir, "new.jpg")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("new"), 0o644))

	// The media-bearing rows sit at opposite ends of a 20-message chat, so
	// retention keeps the newer one and prunes the older one.
	store.AddMessage(models.Message{
		AccountID: "acc-1", ExternalID: "chat-1-old", ChatID: "chat-1", ChatName: "Alex",
		Body: "[photo]", Timestamp: start, MediaKind: "image", MediaRef: oldFile,
	})
	seedChat(store, "chat-1", "Alex", 18, start.Add(time.Minute))
	store.AddMessage(models.Message{
		AccountID: "acc-1", ExternalID: "chat-1-new", ChatID: "chat-1", ChatName: "Alex",
		Body: "[photo]", Timestamp: start.Add(time.Hour), MediaKind: "image", MediaRef: newFile,
	})

	engine := newTestScanner(store, &stubClassifier{}, &stubAnalyzer{}, &recordingDisconnector{store: store})
	_, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, 15, store.MessageCount("acc-1", "chat-1"))
	_, err = os.Stat(oldFile)
	require.ErrorIs(t, err, os.ErrNotExist, "pruned row's file is removed")
	_, err = os.Stat(newFile)
	require.NoError(t, err, "retained row's file survives")
}

func TestRunScanNewContactsAssessed(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChat(store, "chat-1", "Alex", 10, start)
	store.AddContact("acc-1", &models.Contact{
		ID: "chat-1", Name: "Alex", MessageCount: 10, FirstSeen: start,
	})
	store.AddContact("acc-1", &models.Contact{
		ID: "chat-2", Name: "Grandma", MessageCount: 3, FirstSeen: start,
	})
	store.AddSafeContact("acc-1", "chat-2")

	clf := &stubClassifier{assessment: "Likely a peer. Nothing alarming.", assessCost: 0.001}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Len(t, result.NewContacts, 1, "safety-listed contacts are not reported")
	require.Equal(t, "Alex", result.NewContacts[0].Name)
	require.Equal(t, "Likely a peer. Nothing alarming.", result.NewContacts[0].Assessment)
	require.Equal(t, 1, clf.assessCalls)
}

func TestRunScanSuspiciousGroups(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.AddContact("acc-1", &models.Contact{ID: "group-1", Name: "Class 7B", IsGroup: true})
	seedChat(store, "group-1", "Class 7B", 10, start)

	clf := &stubClassifier{
		triage: []classifier.BatchResult{{
			Findings: []classifier.Finding{
				{Severity: models.SeverityMedium, Category: "exclusion", Summary: "deliberate isolation", Confidence: 0.6},
				{Severity: models.SeverityMedium, Category: "language", Summary: "degrading language", Confidence: 0.6},
			},
		}},
	}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	result, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	require.Len(t, result.SuspiciousGroups, 1, "one entry per group regardless of alert count")
	require.Equal(t, "Class 7B", result.SuspiciousGroups[0].Name)
	require.Equal(t, "exclusion", result.SuspiciousGroups[0].Category)
	require.Equal(t, "deliberate isolation", result.SuspiciousGroups[0].Reason)
}

func TestRunScanRecordsRiskState(t *testing.T) {
	store := storage.NewMemoryStore()
	seedAccount(store, models.PlanPlus)
	seedChat(store, "chat-1", "Alex", 10, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	clf := &stubClassifier{
		triage: []classifier.BatchResult{{
			Findings: []classifier.Finding{{Severity: models.SeverityMedium, Category: "pressure", Summary: "peer pressure", Confidence: 0.6}},
		}},
	}
	engine := newTestScanner(store, clf, &stubAnalyzer{}, &recordingDisconnector{store: store})

	_, err := engine.RunScan(context.Background(), "acc-1")
	require.NoError(t, err)

	agg, err := store.GetRiskAggregate(context.Background(), "acc-1", "chat-1", "pressure")
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Equal(t, models.RiskMedium, agg.Level)
	require.Equal(t, 1, agg.HitCount)
	require.Len(t, store.Events(), 1)
}
