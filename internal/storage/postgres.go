package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(config DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger}

	if err := store.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `
		SELECT id, name, subject_name, subject_age, subject_gender, plan
		FROM accounts
		WHERE id = $1`

	account := &models.Account{}
	var plan string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Name,
		&account.Profile.Name,
		&account.Profile.Age,
		&account.Profile.Gender,
		&plan,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying account: %w", err)
	}
	account.Plan = models.PlanTier(plan)
	return account, nil
}

func (s *PostgresStore) IsSafeContact(ctx context.Context, accountID, contactID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM safe_contacts WHERE account_id = $1 AND contact_id = $2`,
		accountID, contactID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error querying safe contact: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GroupHasSafeContact(ctx context.Context, accountID, groupID string) (bool, error) {
	query := `
		SELECT 1 FROM group_members gm
		INNER JOIN safe_contacts sc ON sc.account_id = gm.account_id AND sc.contact_id = gm.member_id
		WHERE gm.account_id = $1 AND gm.group_id = $2
		LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, query, accountID, groupID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error querying group safety: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) NewContactsSince(ctx context.Context, accountID string, since time.Time) ([]models.Contact, error) {
	query := `
		SELECT id, name, is_group, message_count, first_seen, last_seen
		FROM contacts
		WHERE account_id = $1 AND is_group = FALSE AND first_seen > $2
		ORDER BY first_seen DESC`

	rows, err := s.db.QueryContext(ctx, query, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("error querying new contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.MessageCount, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("error scanning contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *PostgresStore) ListChats(ctx context.Context, accountID string) ([]models.ChatSummary, error) {
	query := `
		SELECT m.chat_id, MAX(m.chat_name), COALESCE(BOOL_OR(c.is_group), FALSE), COUNT(*), MAX(m.ts)
		FROM messages m
		LEFT JOIN contacts c ON c.account_id = m.account_id AND c.id = m.chat_id
		WHERE m.account_id = $1
		GROUP BY m.chat_id
		ORDER BY MAX(m.ts) DESC, m.chat_id ASC`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying chats: %w", err)
	}
	defer rows.Close()

	var chats []models.ChatSummary
	for rows.Next() {
		var c models.ChatSummary
		if err := rows.Scan(&c.ChatID, &c.ChatName, &c.IsGroup, &c.MessageCount, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("error scanning chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

const messageColumns = `id, account_id, external_id, chat_id, chat_name, sender_id, sender_name,
	from_subject, body, ts, media_kind, media_ref, media_analyzed, transcript`

func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	err := rows.Scan(
		&m.ID, &m.AccountID, &m.ExternalID, &m.ChatID, &m.ChatName,
		&m.SenderID, &m.SenderName, &m.FromSubject, &m.Body, &m.Timestamp,
		&m.MediaKind, &m.MediaRef, &m.MediaAnalyzed, &m.Transcript,
	)
	return m, err
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) RecentMessages(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s FROM messages
			WHERE account_id = $1 AND chat_id = $2
			ORDER BY ts DESC
			LIMIT $3
		) recent ORDER BY ts ASC`, messageColumns, messageColumns)

	return s.queryMessages(ctx, query, accountID, chatID, limit)
}

func (s *PostgresStore) MessagesWithContact(ctx context.Context, accountID, contactID string, limit int) ([]models.Message, error) {
	return s.RecentMessages(ctx, accountID, contactID, limit)
}

func (s *PostgresStore) UnanalyzedMedia(ctx context.Context, accountID, chatID string, limit int) ([]models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE account_id = $1 AND chat_id = $2
		  AND media_kind IN ('image', 'video', 'audio')
		  AND media_ref <> '' AND media_analyzed = FALSE
		ORDER BY ts ASC
		LIMIT $3`, messageColumns)

	return s.queryMessages(ctx, query, accountID, chatID, limit)
}

func (s *PostgresStore) MarkMediaAnalyzed(ctx context.Context, messageID int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET media_analyzed = TRUE, media_note = $1 WHERE id = $2`,
		note, messageID)
	if err != nil {
		return fmt.Errorf("error marking media analyzed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTranscript(ctx context.Context, messageID int64, transcript string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET transcript = $1 WHERE id = $2`,
		transcript, messageID)
	if err != nil {
		return fmt.Errorf("error setting transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) MediaRefsForChat(ctx context.Context, accountID, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT media_ref FROM messages WHERE account_id = $1 AND chat_id = $2 AND media_ref <> ''`,
		accountID, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying media refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("error scanning media ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) PruneMessages(ctx context.Context, accountID, chatID string, keep int) error {
	query := `
		DELETE FROM messages
		WHERE account_id = $1 AND chat_id = $2 AND id NOT IN (
			SELECT id FROM messages
			WHERE account_id = $1 AND chat_id = $2
			ORDER BY ts DESC
			LIMIT $3
		)`

	if _, err := s.db.ExecContext(ctx, query, accountID, chatID, keep); err != nil {
		return fmt.Errorf("error pruning messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, accountID, chatID string) (*models.ScanCursor, error) {
	query := `
		SELECT account_id, chat_id, last_timestamp, last_message_id, total_seen
		FROM scan_cursors
		WHERE account_id = $1 AND chat_id = $2`

	cursor := &models.ScanCursor{}
	err := s.db.QueryRowContext(ctx, query, accountID, chatID).Scan(
		&cursor.AccountID, &cursor.ChatID, &cursor.LastTimestamp,
		&cursor.LastMessageID, &cursor.TotalSeen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying cursor: %w", err)
	}
	return cursor, nil
}

func (s *PostgresStore) UpsertCursor(ctx context.Context, cursor *models.ScanCursor) error {
	query := `
		INSERT INTO scan_cursors (account_id, chat_id, last_timestamp, last_message_id, total_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			last_timestamp = GREATEST(scan_cursors.last_timestamp, excluded.last_timestamp),
			last_message_id = excluded.last_message_id,
			total_seen = excluded.total_seen`

	_, err := s.db.ExecContext(ctx, query,
		cursor.AccountID, cursor.ChatID, cursor.LastTimestamp,
		cursor.LastMessageID, cursor.TotalSeen)
	if err != nil {
		return fmt.Errorf("error upserting cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	query := `
		INSERT INTO scan_runs (id, account_id, status, started_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, run.ID, run.AccountID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("error creating scan run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishScanRun(ctx context.Context, run *models.ScanRun) error {
	query := `
		UPDATE scan_runs SET
			status = $1, messages_scanned = $2, messages_total = $3,
			chats_scanned = $4, chats_skipped = $5, alerts_found = $6,
			cost = $7, completed_at = $8, error = $9
		WHERE id = $10 AND status = 'running'`

	_, err := s.db.ExecContext(ctx, query,
		string(run.Status), run.MessagesScanned, run.MessagesTotal,
		run.ChatsScanned, run.ChatsSkipped, run.AlertsFound,
		run.Cost, run.CompletedAt, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("error finishing scan run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScanHistory(ctx context.Context, accountID string, limit int) ([]models.ScanRun, error) {
	query := `
		SELECT id, account_id, status, messages_scanned, messages_total,
			chats_scanned, chats_skipped, alerts_found, cost, started_at,
			COALESCE(completed_at, 'epoch'::timestamptz), error
		FROM scan_runs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying scan history: %w", err)
	}
	defer rows.Close()

	var runs []models.ScanRun
	for rows.Next() {
		var run models.ScanRun
		var status string
		err := rows.Scan(
			&run.ID, &run.AccountID, &status, &run.MessagesScanned, &run.MessagesTotal,
			&run.ChatsScanned, &run.ChatsSkipped, &run.AlertsFound, &run.Cost,
			&run.StartedAt, &run.CompletedAt, &run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning scan run: %w", err)
		}
		run.Status = models.ScanStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, account_id, scan_run_id, severity, category,
			chat_id, chat_name, summary, recommendation, confidence, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.AccountID, alert.ScanRunID, alert.Severity.String(), alert.Category,
		alert.ChatID, alert.ChatName, alert.Summary, alert.Recommendation,
		alert.Confidence, string(alert.Status), alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1 WHERE id = $2`, string(status), alertID)
	if err != nil {
		return fmt.Errorf("error updating alert status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("alert not found")
	}
	return nil
}

func (s *PostgresStore) GetRiskAggregate(ctx context.Context, accountID, chatID, category string) (*models.RiskAggregate, error) {
	query := `
		SELECT account_id, chat_id, category, level, hit_count, max_severity,
			max_confidence, first_detected_at, last_detected_at
		FROM risk_aggregates
		WHERE account_id = $1 AND chat_id = $2 AND category = $3`

	agg := &models.RiskAggregate{}
	var level, maxSeverity string
	err := s.db.QueryRowContext(ctx, query, accountID, chatID, category).Scan(
		&agg.AccountID, &agg.ChatID, &agg.Category, &level, &agg.HitCount,
		&maxSeverity, &agg.MaxConfidence, &agg.FirstDetectedAt, &agg.LastDetectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying risk aggregate: %w", err)
	}
	agg.Level, _ = models.ParseRiskLevel(level)
	agg.MaxSeverity, _ = models.ParseSeverity(maxSeverity)
	return agg, nil
}

func (s *PostgresStore) UpsertRiskAggregate(ctx context.Context, agg *models.RiskAggregate) error {
	query := `
		INSERT INTO risk_aggregates (account_id, chat_id, category, level, hit_count,
			max_severity, max_confidence, first_detected_at, last_detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, chat_id, category) DO UPDATE SET
			level = excluded.level,
			hit_count = excluded.hit_count,
			max_severity = excluded.max_severity,
			max_confidence = excluded.max_confidence,
			last_detected_at = excluded.last_detected_at`

	_, err := s.db.ExecContext(ctx, query,
		agg.AccountID, agg.ChatID, agg.Category, agg.Level.String(), agg.HitCount,
		agg.MaxSeverity.String(), agg.MaxConfidence, agg.FirstDetectedAt, agg.LastDetectedAt)
	if err != nil {
		return fmt.Errorf("error upserting risk aggregate: %w", err)
	}
	return nil
}

func (s *PostgresStore) RiskAggregatesForAccount(ctx context.Context, accountID string) ([]models.RiskAggregate, error) {
	query := `
		SELECT account_id, chat_id, category, level, hit_count, max_severity,
			max_confidence, first_detected_at, last_detected_at
		FROM risk_aggregates
		WHERE account_id = $1
		ORDER BY chat_id, category`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("error querying risk aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []models.RiskAggregate
	for rows.Next() {
		var agg models.RiskAggregate
		var level, maxSeverity string
		err := rows.Scan(
			&agg.AccountID, &agg.ChatID, &agg.Category, &level, &agg.HitCount,
			&maxSeverity, &agg.MaxConfidence, &agg.FirstDetectedAt, &agg.LastDetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning risk aggregate: %w", err)
		}
		agg.Level, _ = models.ParseRiskLevel(level)
		agg.MaxSeverity, _ = models.ParseSeverity(maxSeverity)
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func (s *PostgresStore) AppendRiskEvent(ctx context.Context, event *models.RiskEvent) error {
	query := `
		INSERT INTO risk_events (account_id, chat_id, chat_name, category,
			severity, confidence, summary, scan_run_id, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		event.AccountID, event.ChatID, event.ChatName, event.Category,
		event.Severity.String(), event.Confidence, event.Summary,
		event.ScanRunID, event.DetectedAt).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("error appending risk event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RiskEventsForCategory(ctx context.Context, accountID, category string, limit int) ([]models.RiskEvent, error) {
	query := `
		SELECT id, account_id, chat_id, chat_name, category, severity,
			confidence, summary, scan_run_id, detected_at
		FROM risk_events
		WHERE account_id = $1 AND category = $2
		ORDER BY detected_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, accountID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying risk events: %w", err)
	}
	defer rows.Close()

	var events []models.RiskEvent
	for rows.Next() {
		var event models.RiskEvent
		var severity string
		err := rows.Scan(
			&event.ID, &event.AccountID, &event.ChatID, &event.ChatName, &event.Category,
			&severity, &event.Confidence, &event.Summary, &event.ScanRunID, &event.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning risk event: %w", err)
		}
		event.Severity, _ = models.ParseSeverity(severity)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
