package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

const defaultListLimit = 20

// Store is the sqlite action journal. Writes from several processes are serialized by a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// ActionFilter narrows List. Empty fields match everything.
type ActionFilter struct {
	Status  ActionStatus
	Account string
	ChainID string
	Limit   int
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create action lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open action sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS journal_actions (
			action_id TEXT PRIMARY KEY,
			intent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journal_txs (
			tx_hash TEXT PRIMARY KEY,
			action_id TEXT NOT NULL REFERENCES journal_actions(action_id) ON DELETE CASCADE
		);`,
		"CREATE INDEX IF NOT EXISTS idx_journal_status_updated ON journal_actions(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_journal_account_updated ON journal_actions(account, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init action schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts action and indexes every step's tx hash. A nil store discards writes.
func (s *Store) Save(action Action) error {
	if s == nil || s.db == nil {
		return nil
	}
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save action: missing action id")
	}
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin action write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveTx(tx, action); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit action write: %w", err)
	}
	return nil
}

func saveTx(tx *sql.Tx, action Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	now := time.Now().UTC().Unix()
	createdUnix := unixOr(action.CreatedAt, now)
	updatedUnix := unixOr(action.UpdatedAt, now)

	_, err = tx.Exec(`
		INSERT INTO journal_actions (action_id, intent_type, status, chain_id, account, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status=excluded.status,
			account=excluded.account,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.IntentType, string(action.Status), action.ChainID, action.Account, createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	for _, step := range action.Steps {
		hash := strings.ToLower(strings.TrimSpace(step.TxHash))
		if hash == "" {
			continue
		}
		if _, err := tx.Exec("INSERT OR REPLACE INTO journal_txs (tx_hash, action_id) VALUES (?, ?)", hash, action.ActionID); err != nil {
			return fmt.Errorf("index action tx: %w", err)
		}
	}
	return nil
}

// Get loads an action by id, or by the hash of any transaction it broadcast.
func (s *Store) Get(ref string) (Action, error) {
	if s == nil || s.db == nil {
		return Action{}, clierr.New(clierr.CodeUnavailable, "action store is not configured")
	}
	ref = strings.TrimSpace(ref)
	query := "SELECT payload FROM journal_actions WHERE action_id = ?"
	arg := ref
	if isTxHash(ref) {
		query = "SELECT a.payload FROM journal_actions a JOIN journal_txs t ON t.action_id = a.action_id WHERE t.tx_hash = ?"
		arg = strings.ToLower(ref)
	}
	var payload []byte
	if err := s.db.QueryRow(query, arg).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("action not found: %s", ref))
		}
		return Action{}, fmt.Errorf("read action: %w", err)
	}
	return decodeAction(payload)
}

// List returns matching actions, most recently updated first.
func (s *Store) List(filter ActionFilter) ([]Action, error) {
	if s == nil || s.db == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "action store is not configured")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if account := strings.TrimSpace(filter.Account); account != "" {
		where = append(where, "account = ?")
		args = append(args, account)
	}
	if chainID := strings.TrimSpace(filter.ChainID); chainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, chainID)
	}
	query := "SELECT payload FROM journal_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		action, err := decodeAction(payload)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

// RecoverStale marks actions still running after olderThan as unknown. A process that died mid-operation
// leaves them behind, and their transactions may or may not have landed.
func (s *Store) RecoverStale(olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	rows, err := s.db.Query("SELECT payload FROM journal_actions WHERE status = ? AND updated_at < ?", string(ActionStatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale actions: %w", err)
	}
	var stale []Action
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan stale action: %w", err)
		}
		action, err := decodeAction(payload)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		stale = append(stale, action)
	}
	_ = rows.Close()
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin stale recovery: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, action := range stale {
		action.Status = ActionStatusUnknown
		if action.Error == "" {
			action.Error = "process exited before the action finished"
		}
		action.Touch()
		if err := saveTx(tx, action); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stale recovery: %w", err)
	}
	return len(stale), nil
}

func (s *Store) acquire() (func(), error) {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("lock action store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock action store: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

func decodeAction(payload []byte) (Action, error) {
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode action payload: %w", err)
	}
	return action, nil
}

func isTxHash(v string) bool {
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return false
	}
	for _, r := range v[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func unixOr(v string, fallback int64) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t.UTC().Unix()
}
