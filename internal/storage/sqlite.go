package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/classbell/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer; conditional status updates rely on serialized access.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			phone TEXT DEFAULT '',
			role TEXT NOT NULL DEFAULT 'staff',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			preferences TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
		`CREATE TABLE IF NOT EXISTS classes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			room TEXT NOT NULL,
			teacher_email TEXT NOT NULL,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			recurrence TEXT NOT NULL DEFAULT 'ONCE',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_classes_start ON classes(start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_classes_teacher ON classes(teacher_email)`,
		// No foreign keys: a class or user may disappear while its reminders stay pending.
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			class_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			sent_at INTEGER,
			error TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_triple ON reminders(class_id, user_id, channel)`,
		`CREATE TABLE IF NOT EXISTS dispatch_logs (
			id TEXT PRIMARY KEY,
			reminder_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			status TEXT NOT NULL,
			response TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_logs_at ON dispatch_logs(at)`,
		// Push channel address
		`ALTER TABLE users ADD COLUMN telegram_chat_id INTEGER NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// Instants are stored as unix milliseconds so range queries compare integers.
func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromMillis(ns.Int64)
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}

// === Users ===

const userColumns = `id, name, email, phone, role, timezone, telegram_chat_id, preferences, created_at`

func scanUser(row scanner) (*domain.User, error) {
	u := &domain.User{}
	var prefs string
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &u.Timezone, &u.TelegramChatID, &prefs, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	if prefs != "" {
		// Malformed stored preferences resolve to defaults.
		_ = json.Unmarshal([]byte(prefs), &u.Prefs)
	}
	return u, nil
}

func (s *Storage) CreateUser(ctx context.Context, u *domain.User) error {
	prefs, err := json.Marshal(u.Prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Phone, u.Role, u.Timezone, u.TelegramChatID, string(prefs), toMillis(u.CreatedAt),
	)
	return err
}

func (s *Storage) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ListUsersByEmail returns every account sharing the address.
func (s *Storage) ListUsersByEmail(ctx context.Context, email string) ([]*domain.User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? ORDER BY created_at`, strings.ToLower(strings.TrimSpace(email)))
}

// ListUsersByTelegramChat returns the accounts linked to a Telegram chat.
func (s *Storage) ListUsersByTelegramChat(ctx context.Context, chatID int64) ([]*domain.User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_chat_id = ? ORDER BY created_at`, chatID)
}

func (s *Storage) ListUsers(ctx context.Context) ([]*domain.User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
}

func (s *Storage) queryUsers(ctx context.Context, query string, args ...any) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Storage) UpdateUserPreferences(ctx context.Context, userID string, prefs domain.StoredPreferences) error {
	b, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET preferences = ? WHERE id = ?`, string(b), userID)
	return err
}

func (s *Storage) UpdateUserTelegramChat(ctx context.Context, userID string, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET telegram_chat_id = ? WHERE id = ?`, chatID, userID)
	return err
}

// === Classes ===

const classColumns = `id, title, room, teacher_email, start_at, end_at, recurrence, created_at`

func scanClass(row scanner) (*domain.ClassOccurrence, error) {
	c := &domain.ClassOccurrence{}
	var start, end, created int64
	if err := row.Scan(&c.ID, &c.Title, &c.Room, &c.TeacherEmail, &start, &end, &c.Recurrence, &created); err != nil {
		return nil, err
	}
	c.Start = fromMillis(start)
	c.End = fromMillis(end)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *Storage) CreateClass(ctx context.Context, c *domain.ClassOccurrence) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classes (`+classColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Room, c.TeacherEmail, toMillis(c.Start), toMillis(c.End), c.Recurrence, toMillis(c.CreatedAt),
	)
	return err
}

func (s *Storage) GetClass(ctx context.Context, id string) (*domain.ClassOccurrence, error) {
	c, err := scanClass(s.db.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) ClassExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classes WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// ListClassesBetween returns classes starting in [from, to], earliest first.
func (s *Storage) ListClassesBetween(ctx context.Context, from, to time.Time) ([]*domain.ClassOccurrence, error) {
	return s.queryClasses(ctx,
		`SELECT `+classColumns+` FROM classes WHERE start_at >= ? AND start_at <= ? ORDER BY start_at ASC`,
		toMillis(from), toMillis(to),
	)
}

func (s *Storage) ListClassesByTeacher(ctx context.Context, email string, from, to time.Time) ([]*domain.ClassOccurrence, error) {
	return s.queryClasses(ctx,
		`SELECT `+classColumns+` FROM classes
		 WHERE teacher_email = ? AND start_at >= ? AND start_at <= ?
		 ORDER BY start_at ASC`,
		strings.ToLower(strings.TrimSpace(email)), toMillis(from), toMillis(to),
	)
}

func (s *Storage) queryClasses(ctx context.Context, query string, args ...any) ([]*domain.ClassOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []*domain.ClassOccurrence
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// === Reminders ===

const reminderColumns = `id, class_id, user_id, scheduled_at, channel, status, sent_at, error, created_at`

func scanReminder(row scanner) (*domain.ReminderItem, error) {
	r := &domain.ReminderItem{}
	var scheduled, created int64
	var sent sql.NullInt64
	var errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.ClassID, &r.UserID, &scheduled, &r.Channel, &r.Status, &sent, &errMsg, &created); err != nil {
		return nil, err
	}
	r.ScheduledTime = fromMillis(scheduled)
	r.SentAt = fromNullMillis(sent)
	r.Error = errMsg.String
	r.CreatedAt = fromMillis(created)
	return r, nil
}

func reminderArgs(r *domain.ReminderItem) []any {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var errMsg sql.NullString
	if r.Error != "" {
		errMsg = sql.NullString{String: r.Error, Valid: true}
	}
	return []any{r.ID, r.ClassID, r.UserID, toMillis(r.ScheduledTime), r.Channel, r.Status, toNullMillis(r.SentAt), errMsg, toMillis(r.CreatedAt)}
}

func (s *Storage) CreateReminder(ctx context.Context, r *domain.ReminderItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reminderArgs(r)...,
	)
	return err
}

// CreateReminderIfAbsent inserts r unless an item for the same
// (class, user, channel) already exists. It reports whether r was inserted.
func (s *Storage) CreateReminderIfAbsent(ctx context.Context, r *domain.ReminderItem) (bool, error) {
	args := append(reminderArgs(r), r.ClassID, r.UserID, r.Channel)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM reminders WHERE class_id = ? AND user_id = ? AND channel = ?
		 )`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Storage) GetReminder(ctx context.Context, id string) (*domain.ReminderItem, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Storage) ListRemindersByClass(ctx context.Context, classID string) ([]*domain.ReminderItem, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE class_id = ? ORDER BY scheduled_at ASC, created_at ASC`,
		classID,
	)
}

// ListDueReminders returns up to limit pending items whose fire time has
// passed, oldest first.
func (s *Storage) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*domain.ReminderItem, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?`,
		domain.ReminderPending, toMillis(now), limit,
	)
}

func (s *Storage) CountPendingReminders(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE status = ?`, domain.ReminderPending).Scan(&n)
	return n, err
}

// CompleteReminder moves a pending item to a terminal status. The update is
// conditional on the item still being pending; the result reports whether
// this call applied the transition.
func (s *Storage) CompleteReminder(ctx context.Context, id string, status domain.ReminderStatus, at time.Time, errMsg string) (bool, error) {
	if !domain.ReminderPending.CanTransition(status) {
		return false, fmt.Errorf("%w: pending -> %s", domain.ErrInvalidTransition, status)
	}
	var e sql.NullString
	if status == domain.ReminderFailed {
		e = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, sent_at = ?, error = ? WHERE id = ? AND status = ?`,
		status, toMillis(at), e, id, domain.ReminderPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) queryReminders(ctx context.Context, query string, args ...any) ([]*domain.ReminderItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*domain.ReminderItem
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// === Dispatch log ===

func (s *Storage) AppendDispatchLog(ctx context.Context, e *domain.DispatchLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_logs (id, reminder_id, at, status, response) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ReminderID, toMillis(e.Timestamp), e.Status, e.Response,
	)
	return err
}

// ListDispatchLogs returns the newest entries first.
func (s *Storage) ListDispatchLogs(ctx context.Context, limit int) ([]*domain.DispatchLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reminder_id, at, status, response FROM dispatch_logs ORDER BY at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DispatchLogEntry
	for rows.Next() {
		e := &domain.DispatchLogEntry{}
		var at int64
		if err := rows.Scan(&e.ID, &e.ReminderID, &at, &e.Status, &e.Response); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
