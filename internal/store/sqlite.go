package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const excerptLimit = 512

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Serializes inserts so each event chains to the one before it.
	insertMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize(defaults Settings) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		timestamp        DATETIME NOT NULL,
		provider         TEXT NOT NULL,
		direction        TEXT NOT NULL,
		outcome          TEXT NOT NULL,
		blocked          INTEGER NOT NULL DEFAULT 0,
		risk_score       INTEGER NOT NULL DEFAULT 0,
		threat_type      TEXT,
		matched_rule_ids TEXT,
		skip_reason      TEXT,
		integration      TEXT,
		path             TEXT,
		model            TEXT,
		excerpt          TEXT,
		prev_hash        TEXT NOT NULL,
		hash             TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_provider ON events(provider);
	CREATE INDEX IF NOT EXISTS idx_events_outcome ON events(outcome);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	now := time.Now().UTC()
	for key, val := range map[string]bool{
		settingBlockThreats:     defaults.BlockThreats,
		settingScanLLMResponses: defaults.ScanLLMResponses,
	} {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
			key, strconv.FormatBool(val), now); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Events ---

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Excerpt = truncate(e.Excerpt, excerptLimit)

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	prev, err := s.lastHash(ctx)
	if err != nil {
		return err
	}
	e.PrevHash = prev
	e.Hash = ComputeHash(e)

	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, timestamp, provider, direction, outcome, blocked,
		risk_score, threat_type, matched_rule_ids, skip_reason, integration, path, model, excerpt, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Provider, e.Direction, string(e.Outcome), e.Blocked,
		e.RiskScore, nullStr(e.ThreatType), nullStr(strings.Join(e.MatchedRuleIDs, ",")),
		nullStr(e.SkipReason), nullStr(e.Integration), nullStr(e.Path), nullStr(e.Model),
		nullStr(e.Excerpt), e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) lastHash(ctx context.Context) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return h, nil
}

const eventColumns = `id, timestamp, provider, direction, outcome, blocked, risk_score, threat_type,
	matched_rule_ids, skip_reason, integration, path, model, excerpt, prev_hash, hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	e := &Event{}
	var outcome string
	var threatType, rules, skip, integration, path, model, excerpt sql.NullString
	if err := r.Scan(&e.ID, &e.Timestamp, &e.Provider, &e.Direction, &outcome, &e.Blocked,
		&e.RiskScore, &threatType, &rules, &skip, &integration, &path, &model, &excerpt,
		&e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Outcome = Outcome(outcome)
	e.ThreatType = threatType.String
	if rules.String != "" {
		e.MatchedRuleIDs = strings.Split(rules.String, ",")
	}
	e.SkipReason = skip.String
	e.Integration = integration.String
	e.Path = path.String
	e.Model = model.String
	e.Excerpt = excerpt.String
	return e, nil
}

// GetEvent returns nil, nil when no event has the id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, int, error) {
	where, args := buildEventWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, count, rows.Err()
}

// VerifyChain re-hashes every event in insertion order. Pruned prefixes are
// tolerated: the chain is checked from the oldest remaining event.
func (s *SQLiteStore) VerifyChain(ctx context.Context) (ChainResult, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events ORDER BY seq ASC")
	if err != nil {
		return ChainResult{}, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return ChainResult{}, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return ChainResult{}, err
	}

	valid, brokenAt := VerifyChain(events)
	res := ChainResult{Valid: valid, Checked: len(events)}
	if !valid {
		res.BrokenAt = events[brokenAt].ID
	}
	return res, nil
}

func (s *SQLiteStore) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome = 'threat' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(blocked), 0),
		COALESCE(SUM(CASE WHEN outcome = 'scan_skipped' THEN 1 ELSE 0 END), 0)
		FROM events`).Scan(&st.TotalEvents, &st.Threats, &st.Blocked, &st.ScansSkipped)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Settings ---

const (
	settingBlockThreats     = "block_threats"
	settingScanLLMResponses = "scan_llm_responses"
)

func (s *SQLiteStore) GetSettings(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE key IN (?, ?)`,
		settingBlockThreats, settingScanLLMResponses)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()

	var out Settings
	for rows.Next() {
		var key, val string
		if err := rows.Scan(&key, &val); err != nil {
			return Settings{}, err
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", key, err)
		}
		switch key {
		case settingBlockThreats:
			out.BlockThreats = b
		case settingScanLLMResponses:
			out.ScanLLMResponses = b
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, st Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for key, val := range map[string]bool{
		settingBlockThreats:     st.BlockThreats,
		settingScanLLMResponses: st.ScanLLMResponses,
	} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, strconv.FormatBool(val), now); err != nil {
			return fmt.Errorf("update setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// --- Helpers ---

func buildEventWhere(f EventFilter) (string, []any) {
	var conditions []string
	var args []any

	if f.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Direction != "" {
		conditions = append(conditions, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.Until.UTC())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
