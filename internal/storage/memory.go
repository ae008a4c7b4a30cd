package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guardline/scanengine/internal/models"
)

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	contacts     map[string]map[string]*models.Contact
	safeContacts map[string]map[string]bool
	groupMembers map[string]map[string][]string
	messages     map[string][]models.Message
	cursors      map[string]*models.ScanCursor
	runs         map[string][]*models.ScanRun
	alerts       []models.Alert
	aggregates   map[string]*models.RiskAggregate
	events       []models.RiskEvent
	nextMsgID    int64
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.Account),
		contacts:     make(map[string]map[string]*models.Contact),
		safeContacts: make(map[string]map[string]bool),
		groupMembers: make(map[string]map[string][]string),
		messages:     make(map[string][]models.Message),
		cursors:      make(map[string]*models.ScanCursor),
		runs:         make(map[string][]*models.ScanRun),
		aggregates:   make(map[string]*models.RiskAggregate),
		nextMsgID:    1,
		nextEventID:  1,
	}
}

func chatKey(accountID, chatID string) string {
	return accountID + "|" + chatID
}

func aggKey(accountID, chatID, category string) string {
	return accountID + "|" + chatID + "|" + category
}

// ── Seeding helpers (tests and local development) ──

func (s *MemoryStore) AddAccount(account *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
}

func (s *MemoryStore) AddContact(accountID string, contact *models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contacts[accountID] == nil {
		s.contacts[accountID] = make(map[string]*models.Contact)
	}
	s.contacts[accountID][contact.ID] = contact
}

func (s *MemoryStore) AddSafeContact(accountID, contactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.safeContacts[accountID] == nil {
		s.safeContacts[accountID] = make(map[string]bool)
	}
	s.safeContacts[accountID][contactID] = true
}

func (s *MemoryStore) AddGroupMember(accountID, groupID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupMembers[accountID] == nil {
		s.groupMembers[accountID] = make(map[string][]string)
	}
	s.groupMembers[accountID][groupID] = append(s.groupMembers[accountID][groupID], memberID)
}

func (s *MemoryStore) AddMessage(msg models.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.nextMsgID
	s.nextMsgID++
	key := chatKey(msg.AccountID, msg.ChatID)
	s.messages[key] = append(s.messages[key], msg)
	sort.SliceStable(s.messages[key], func(i, j int) bool {
		return s.messages[key][i].Timestamp.Before(s.messages[key][j].Timestamp)
	})
	return msg.ID
}

// MessageCount reports the number of stored messages for one chat.
func (s *MemoryStore) MessageCount(accountID, chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[chatKey(accountID, chatID)])
}

// Alerts returns all stored alerts.
func (s *MemoryStore) Alerts() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Events returns all stored risk events.
func (s *MemoryStore) Events() []models.RiskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RiskEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ── Store implementation ──

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryStore) IsSafeContact(ctx context.Context, accountID, contactID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeContacts[accountID][contactID], nil
}

func (s *MemoryStore) GroupHasSafeContact(ctx context.Context, accountID, groupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, member := range s.groupMembers[accountID][groupID] {
		if s.safeContacts[accountID][member] {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) NewContactsSince(ctx context.Context, accountID string, since time.Time) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for _, c := range s.contacts[accountID] {
		if !c.IsGroup && c.FirstSeen.After(since) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListChats(ctx context.Context, accountID string) ([]models.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ChatSummary
	for _, msgs := range s.messages {
		if len(msgs) == 0 {
			continue
		}
		first := msgs[0]
		if first.AccountID != accountID {
			continue
		}
		summary := models.ChatSummary{
			ChatID:       first.ChatID,
			ChatName:     first.ChatName,
			MessageCount: len(msgs),
			LastActivity: msgs[len(msgs)-1].Timestamp,
		}
		if contact, ok := s.contacts[accountID][first.ChatID]; ok {
			summary.IsGroup = contact.IsGroup
			if summary.ChatName == "" {
				summary.ChatName = contact.Name
			}
		}
		out = append(out, summary)
	}
	// Fixed deterministic order: newest activity first, chat id as tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatKey(accountID, chatID)]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) MessagesWithContact(ctx context.Context, accountID, contactID string, limit int) ([]models.Message, error) {
	return s.RecentMessages(ctx, accountID, contactID, limit)
}

func (s *MemoryStore) UnanalyzedMedia(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages[chatKey(accountID, chatID)] {
		if m.MediaKind == "" || m.MediaRef == "" || m.MediaAnalyzed {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkMediaAnalyzed(ctx context.Context, messageID int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				s.messages[key][i].MediaAnalyzed = true
				return nil
			}
		}
	}
	return fmt.Errorf("message %d not found", messageID)
}

func (s *MemoryStore) SetTranscript(ctx context.Context, messageID int64, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				s.messages[key][i].Transcript = transcript
				return nil
			}
		}
	}
	return fmt.Errorf("message %d not found", messageID)
}

func (s *MemoryStore) MediaRefsForChat(ctx context.Context, accountID, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []string
	for _, m := range s.messages[chatKey(accountID, chatID)] {
		if m.MediaRef != "" {
			refs = append(refs, m.MediaRef)
		}
	}
	return refs, nil
}

func (s *MemoryStore) PruneMessages(ctx context.Context, accountID, chatID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chatKey(accountID, chatID)
	msgs := s.messages[key]
	if len(msgs) > keep {
		kept := make([]models.Message, keep)
		copy(kept, msgs[len(msgs)-keep:])
		s.messages[key] = kept
	}
	return nil
}

func (s *MemoryStore) GetCursor(ctx context.Context, accountID, chatID string) (*models.ScanCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[chatKey(accountID, chatID)]
	if !ok {
		return nil, nil
	}
	copied := *cursor
	return &copied, nil
}

func (s *MemoryStore) UpsertCursor(ctx context.Context, cursor *models.ScanCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cursor
	s.cursors[chatKey(cursor.AccountID, cursor.ChatID)] = &copied
	return nil
}

func (s *MemoryStore) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.AccountID] = append(s.runs[run.AccountID], &copied)
	return nil
}

func (s *MemoryStore) FinishScanRun(ctx context.Context, run *models.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.runs[run.AccountID] {
		if stored.ID == run.ID {
			*stored = *run
			return nil
		}
	}
	return fmt.Errorf("scan run %s not found", run.ID)
}

func (s *MemoryStore) ScanHistory(ctx context.Context, accountID string, limit int) ([]models.ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[accountID]
	out := make([]models.ScanRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == alertID {
			s.alerts[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

func (s *MemoryStore) GetRiskAggregate(ctx context.Context, accountID, chatID, category string) (*models.RiskAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[aggKey(accountID, chatID, category)]
	if !ok {
		return nil, nil
	}
	copied := *agg
	return &copied, nil
}

func (s *MemoryStore) UpsertRiskAggregate(ctx context.Context, agg *models.RiskAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *agg
	s.aggregates[aggKey(agg.AccountID, agg.ChatID, agg.Category)] = &copied
	return nil
}

func (s *MemoryStore) RiskAggregatesForAccount(ctx context.Context, accountID string) ([]models.RiskAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RiskAggregate
	for _, agg := range s.aggregates {
		if agg.AccountID == accountID {
			out = append(out, *agg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (s *MemoryStore) AppendRiskEvent(ctx context.Context, event *models.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	copied.ID = s.nextEventID
	s.nextEventID++
	s.events = append(s.events, copied)
	return nil
}

func (s *MemoryStore) RiskEventsForCategory(ctx context.Context, accountID, category string, limit int) ([]models.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RiskEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].AccountID == accountID && s.events[i].Category == category {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
