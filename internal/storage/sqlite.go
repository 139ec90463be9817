package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gaswatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store persists sensor history, alarm transitions, channel recipients and
// per-target dispatch outcomes. A nil *Store is valid and reports
// ErrDisabled from every method, so callers don't need nil checks at each
// site.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the store. It returns (nil, nil) when storage is
// disabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InsertReading(ctx context.Context, r Reading) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(gas_level, temperature, humidity, observed_at, created_at)
		 VALUES(?,?,?,?,?)`,
		r.GasLevel, r.Temperature, r.Humidity,
		r.ObservedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListReadings returns samples observed at or after since, newest first,
// capped at limit (default 100, max 1000).
func (s *Store) ListReadings(ctx context.Context, since time.Time, limit int) ([]Reading, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gas_level, temperature, humidity, observed_at
		 FROM readings WHERE observed_at >= ?
		 ORDER BY observed_at DESC LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Reading, 0, limit)
	for rows.Next() {
		var r Reading
		var at string
		if err := rows.Scan(&r.ID, &r.GasLevel, &r.Temperature, &r.Humidity, &at); err != nil {
			return nil, err
		}
		r.ObservedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) InsertAlarm(ctx context.Context, a Alarm) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(id, metric, status, value, message, at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Metric, a.Status, a.Value, a.Message,
		a.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListAlarms returns transitions at or after since, newest first. metric ""
// matches all metrics.
func (s *Store) ListAlarms(ctx context.Context, metric string, since time.Time, limit int) ([]Alarm, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)

	q := `SELECT id, metric, status, value, message, at FROM alarms WHERE at >= ?`
	args := []any{since.UTC().Format(time.RFC3339Nano)}
	if metric != "" {
		q += ` AND metric = ?`
		args = append(args, metric)
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Alarm, 0, limit)
	for rows.Next() {
		var a Alarm
		var at string
		if err := rows.Scan(&a.ID, &a.Metric, &a.Status, &a.Value, &a.Message, &at); err != nil {
			return nil, err
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertRecipient marks a user as an active follower. Re-follow after
// unfollow reactivates the row and refreshes followed_at.
func (s *Store) UpsertRecipient(ctx context.Context, userID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(user_id, followed_at, active) VALUES(?,?,1)
		 ON CONFLICT(user_id) DO UPDATE SET followed_at=excluded.followed_at, active=1`,
		userID, at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeactivateRecipient keeps the row but excludes the user from the active
// audience. History stays attributable after an unfollow.
func (s *Store) DeactivateRecipient(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET active=0 WHERE user_id = ?`, userID)
	return err
}

func (s *Store) ListRecipients(ctx context.Context) ([]Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, followed_at, active FROM recipients ORDER BY followed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var at string
		var active int
		if err := rows.Scan(&r.UserID, &at, &active); err != nil {
			return nil, err
		}
		r.FollowedAt, _ = time.Parse(time.RFC3339Nano, at)
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRecipients returns the user IDs of active followers. Signature
// matches the dispatch gateway's recipient source.
func (s *Store) ActiveRecipients(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM recipients WHERE active = 1 ORDER BY followed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(id, channel, target, ok, err, took_ms, at) VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.Channel, rec.Target, boolInt(rec.OK), nullStr(rec.Error), rec.TookMS,
		rec.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if s == nil || s.db == nil {
		return st, ErrDisabled
	}

	var oldest, newest sql.NullString
	var gasMax, gasAvg, tempMax, tempAvg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(observed_at), MAX(observed_at),
		        MAX(gas_level), AVG(gas_level), MAX(temperature), AVG(temperature)
		 FROM readings`,
	).Scan(&st.Readings, &oldest, &newest, &gasMax, &gasAvg, &tempMax, &tempAvg)
	if err != nil {
		return st, err
	}
	if oldest.Valid {
		st.OldestReading, _ = time.Parse(time.RFC3339Nano, oldest.String)
	}
	if newest.Valid {
		st.NewestReading, _ = time.Parse(time.RFC3339Nano, newest.String)
	}
	st.GasMax, st.GasAvg = gasMax.Float64, gasAvg.Float64
	st.TempMax, st.TempAvg = tempMax.Float64, tempAvg.Float64

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarms`).Scan(&st.Alarms); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE active = 1`).Scan(&st.Recipients); err != nil {
		return st, err
	}

	st.AlarmsByMetric = map[string]int64{}
	rows, err := s.db.QueryContext(ctx, `SELECT metric, COUNT(*) FROM alarms GROUP BY metric`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var metric string
		var n int64
		if err := rows.Scan(&metric, &n); err != nil {
			return st, err
		}
		st.AlarmsByMetric[metric] = n
	}
	return st, rows.Err()
}

// PruneBefore deletes readings, alarms and dispatch records observed before
// cutoff. Recipients are kept. Returns total rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	at := cutoff.UTC().Format(time.RFC3339Nano)
	var total int64
	for _, q := range []string{
		`DELETE FROM readings WHERE observed_at < ?`,
		`DELETE FROM alarms WHERE at < ?`,
		`DELETE FROM dispatches WHERE at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, at)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
