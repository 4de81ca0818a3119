// Package store persists engine state in SQLite: per-probe continuity state,
// sent-alert dedup records, cooldown stamps, and the bounded run history.
// The store is process-local; the scheduler guarantees single-writer
// semantics per probe, while dedup and cooldown tables rely on
// insert-or-ignore and upsert semantics for safety across probes.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/watchtower/internal/clock"
)

// ProbeState is the persisted continuity record for one probe. The probe
// namespace is written only by the probe implementation; each rule reads and
// writes only its own slot under Rule[ruleID].
type ProbeState struct {
	Probe map[string]any `json:"probe"`
	Rule  map[string]any `json:"rule"`
}

// NewProbeState returns an empty state record.
func NewProbeState() *ProbeState {
	return &ProbeState{
		Probe: make(map[string]any),
		Rule:  make(map[string]any),
	}
}

// RunStatus is the terminal status of one probe run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// SentAlert is one dedup record, readable through RecentAlerts.
type SentAlert struct {
	AlertID string
	ProbeID string
	RuleID  string
	SentAt  time.Time
}

// RunRecord is one row of the run history.
type RunRecord struct {
	ID           string
	ProbeID      string
	Status       RunStatus
	DurationMs   int64
	ErrorMessage string
	CreatedAt    time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
}

// Open opens (or creates) the state database and applies the schema
// idempotently. Existing data is preserved.
func Open(dbPath string, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS probe_state (
			probe_id   TEXT PRIMARY KEY,
			probe_json TEXT NOT NULL,
			rule_json  TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sent_alerts (
			alert_id TEXT PRIMARY KEY,
			probe_id TEXT NOT NULL,
			rule_id  TEXT NOT NULL,
			sent_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			key          TEXT PRIMARY KEY,
			last_sent_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_history (
			id            TEXT PRIMARY KEY,
			probe_id      TEXT NOT NULL,
			status        TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL,
			error_message TEXT,
			created_at    INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sent_alerts_sent_at ON sent_alerts(sent_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_run_history_created_at ON run_history(created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_run_history_probe_id ON run_history(probe_id)`)

	return &Store{db: db, clock: clk, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() int64 { return s.clock.Now().UnixMilli() }

// LoadProbeState returns the persisted state for probeID, or an empty record
// when the probe has never run. Absence is not an error.
func (s *Store) LoadProbeState(probeID string) (*ProbeState, error) {
	row := s.db.QueryRow(`SELECT probe_json, rule_json FROM probe_state WHERE probe_id = ?`, probeID)

	var probeJSON, ruleJSON string
	if err := row.Scan(&probeJSON, &ruleJSON); err != nil {
		if err == sql.ErrNoRows {
			return NewProbeState(), nil
		}
		return nil, fmt.Errorf("load probe state: %w", err)
	}

	st := NewProbeState()
	if err := json.Unmarshal([]byte(probeJSON), &st.Probe); err != nil {
		s.logger.Warn("corrupt probe_json; starting fresh", zap.String("probe_id", probeID), zap.Error(err))
		st.Probe = make(map[string]any)
	}
	if err := json.Unmarshal([]byte(ruleJSON), &st.Rule); err != nil {
		s.logger.Warn("corrupt rule_json; starting fresh", zap.String("probe_id", probeID), zap.Error(err))
		st.Rule = make(map[string]any)
	}
	return st, nil
}

// SaveProbeState upserts the state record, serializing both namespaces as
// opaque JSON blobs.
func (s *Store) SaveProbeState(probeID string, st *ProbeState) error {
	if st == nil {
		st = NewProbeState()
	}
	probeJSON, err := json.Marshal(st.Probe)
	if err != nil {
		return fmt.Errorf("marshal probe state: %w", err)
	}
	ruleJSON, err := json.Marshal(st.Rule)
	if err != nil {
		return fmt.Errorf("marshal rule state: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO probe_state (probe_id, probe_json, rule_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(probe_id) DO UPDATE SET
			probe_json = excluded.probe_json,
			rule_json  = excluded.rule_json,
			updated_at = excluded.updated_at`,
		probeID, string(probeJSON), string(ruleJSON), s.now(),
	)
	if err != nil {
		return fmt.Errorf("save probe state: %w", err)
	}
	return nil
}

// IsAlertSent reports whether alertID has a dedup record. A non-zero ttl
// bounds the lookup: records older than ttl no longer suppress. With ttl 0
// dedup is permanent until operator cleanup.
func (s *Store) IsAlertSent(alertID string, ttl time.Duration) (bool, error) {
	row := s.db.QueryRow(`SELECT sent_at FROM sent_alerts WHERE alert_id = ?`, alertID)

	var sentAt int64
	if err := row.Scan(&sentAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("lookup sent alert: %w", err)
	}
	if ttl <= 0 {
		return true, nil
	}
	return s.now()-sentAt < ttl.Milliseconds(), nil
}

// RecordAlert inserts a dedup record. A second call with the same alertID is
// a silent no-op and leaves the original sent_at untouched.
func (s *Store) RecordAlert(alertID, probeID, ruleID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO sent_alerts (alert_id, probe_id, rule_id, sent_at)
		VALUES (?, ?, ?, ?)`,
		alertID, probeID, ruleID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// IsInCooldown reports whether key was stamped within the trailing window.
func (s *Store) IsInCooldown(key string, window time.Duration) (bool, error) {
	row := s.db.QueryRow(`SELECT last_sent_at FROM cooldowns WHERE key = ?`, key)

	var lastSentAt int64
	if err := row.Scan(&lastSentAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("lookup cooldown: %w", err)
	}
	return s.now()-lastSentAt < window.Milliseconds(), nil
}

// RecordCooldown upserts the cooldown stamp for key to now.
func (s *Store) RecordCooldown(key string) error {
	_, err := s.db.Exec(`INSERT INTO cooldowns (key, last_sent_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET last_sent_at = excluded.last_sent_at`,
		key, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record cooldown: %w", err)
	}
	return nil
}

// RecordRun appends one row to the run history.
func (s *Store) RecordRun(probeID string, status RunStatus, durationMs int64, errorMessage string) error {
	var errMsg sql.NullString
	if errorMessage != "" {
		errMsg = sql.NullString{String: errorMessage, Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO run_history (id, probe_id, status, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), probeID, string(status), durationMs, errMsg, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentAlerts returns the last limit dedup records, newest first.
func (s *Store) RecentAlerts(limit int) ([]SentAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT alert_id, probe_id, rule_id, sent_at
		FROM sent_alerts ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sent alerts: %w", err)
	}
	defer rows.Close()

	out := make([]SentAlert, 0, limit)
	for rows.Next() {
		var a SentAlert
		var sentAt int64
		if err := rows.Scan(&a.AlertID, &a.ProbeID, &a.RuleID, &sentAt); err != nil {
			continue
		}
		a.SentAt = time.UnixMilli(sentAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentRuns returns the last limit run records for one probe, or for all
// probes when probeID is empty. Newest first.
func (s *Store) RecentRuns(probeID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, probe_id, status, duration_ms, error_message, created_at FROM run_history`
	args := make([]any, 0, 2)
	if probeID != "" {
		query += ` WHERE probe_id = ?`
		args = append(args, probeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		var status string
		var errMsg sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.ProbeID, &status, &r.DurationMs, &errMsg, &createdAt); err != nil {
			continue
		}
		r.Status = RunStatus(status)
		r.ErrorMessage = errMsg.String
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRunHistory deletes run rows older than the retention window and
// returns the number removed.
func (s *Store) PruneRunHistory(retention time.Duration) (int64, error) {
	cutoff := s.now() - retention.Milliseconds()
	res, err := s.db.Exec(`DELETE FROM run_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune run history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneSentAlerts deletes dedup records older than the retention window.
// Operator cleanup for the permanent-dedup default.
func (s *Store) PruneSentAlerts(retention time.Duration) (int64, error) {
	cutoff := s.now() - retention.Milliseconds()
	res, err := s.db.Exec(`DELETE FROM sent_alerts WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sent alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
