// Storage module - SQLite transcript and session persistence

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// addColumnSafe adds a column to a table if it doesn't exist
func addColumnSafe(db *sql.DB, table, column, definition string) bool {
	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column).Scan(&count)
	if err == nil && count > 0 {
		return false // column already exists
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		log.Printf("[WARN] Migration: add column %s.%s failed: %v (may be OK if already exists)", table, column, err)
		return false
	}
	return true
}

type Storage struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtAddMessage    *sql.Stmt
	stmtGetMessages   *sql.Stmt
	stmtClearMessages *sql.Stmt
	stmtGetConfig     *sql.Stmt
	stmtSetConfig     *sql.Stmt
}

// Message is one persisted transcript entry. Content is always the
// user-visible text, never an augmented prompt.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"` // user, assistant, tool, system
	Content    string    `json:"content"`
	ToolCalls  string    `json:"tool_calls,omitempty"`   // JSON, assistant messages only
	ToolCallID string    `json:"tool_call_id,omitempty"` // tool messages only
	CreatedAt  time.Time `json:"created_at"`
}

type SessionMeta struct {
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TotalTokens  int       `json:"total_tokens"`
	LastRounds   int       `json:"last_rounds"` // tool rounds of the last turn
	UpdatedAt    time.Time `json:"updated_at"`
}

// Options holds storage tuning parameters
type Options struct {
	DBPath          string
	WalMode         bool
	SyncMode        string // OFF, NORMAL, FULL
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns the default storage options for path
func DefaultOptions(dbPath string) Options {
	return Options{
		DBPath:          dbPath,
		WalMode:         true,
		SyncMode:        "NORMAL",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

func New(dbPath string) (*Storage, error) {
	return NewWithOptions(DefaultOptions(dbPath))
}

// NewWithOptions creates storage with injected options
func NewWithOptions(opt Options) (*Storage, error) {
	if opt.DBPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	db, err := sql.Open("sqlite3", opt.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %v", err)
	}

	s := &Storage{db: db}

	if opt.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return nil, fmt.Errorf("failed to set WAL: %v", err)
		}
	}

	syncMode := opt.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %v", err)
	}

	if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	if err := s.initPreparedStmts(); err != nil {
		log.Printf("[WARN] Failed to prepare statements: %v (continuing without prepared statements)", err)
	}

	log.Printf("[OK] Storage: database %s", opt.DBPath)
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		total_tokens INTEGER NOT NULL DEFAULT 0,
		last_rounds INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migrations for databases created before these columns existed
	addColumnSafe(s.db, "messages", "tool_calls", "TEXT NOT NULL DEFAULT ''")
	addColumnSafe(s.db, "messages", "tool_call_id", "TEXT NOT NULL DEFAULT ''")
	addColumnSafe(s.db, "sessions", "last_rounds", "INTEGER NOT NULL DEFAULT 0")

	return nil
}

func (s *Storage) initPreparedStmts() error {
	var err error

	if s.stmtAddMessage, err = s.db.Prepare("INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id) VALUES (?, ?, ?, ?, ?)"); err != nil {
		return fmt.Errorf("AddMessage: %v", err)
	}
	if s.stmtGetMessages, err = s.db.Prepare("SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?"); err != nil {
		return fmt.Errorf("GetMessages: %v", err)
	}
	if s.stmtClearMessages, err = s.db.Prepare("DELETE FROM messages WHERE session_id = ?"); err != nil {
		return fmt.Errorf("ClearMessages: %v", err)
	}
	if s.stmtGetConfig, err = s.db.Prepare("SELECT value FROM config WHERE key = ?"); err != nil {
		return fmt.Errorf("GetConfig: %v", err)
	}
	if s.stmtSetConfig, err = s.db.Prepare("INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP"); err != nil {
		return fmt.Errorf("SetConfig: %v", err)
	}
	return nil
}

func (s *Storage) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtAddMessage, s.stmtGetMessages, s.stmtClearMessages, s.stmtGetConfig, s.stmtSetConfig} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// ===== Messages =====

// AddMessage appends a transcript entry and returns its id
func (s *Storage) AddMessage(m Message) (int64, error) {
	var res sql.Result
	var err error
	if s.stmtAddMessage != nil {
		res, err = s.stmtAddMessage.Exec(m.SessionID, m.Role, m.Content, m.ToolCalls, m.ToolCallID)
	} else {
		res, err = s.db.Exec("INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id) VALUES (?, ?, ?, ?, ?)",
			m.SessionID, m.Role, m.Content, m.ToolCalls, m.ToolCallID)
	}
	if err != nil {
		return 0, fmt.Errorf("add message: %w", err)
	}
	return res.LastInsertId()
}

// GetMessages returns up to limit transcript entries for a session, oldest first
func (s *Storage) GetMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if s.stmtGetMessages != nil {
		rows, err = s.stmtGetMessages.Query(sessionID, limit)
	} else {
		rows, err = s.db.Query("SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?", sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMessages removes the transcript for a session
func (s *Storage) ClearMessages(sessionID string) error {
	var err error
	if s.stmtClearMessages != nil {
		_, err = s.stmtClearMessages.Exec(sessionID)
	} else {
		_, err = s.db.Exec("DELETE FROM messages WHERE session_id = ?", sessionID)
	}
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// CountMessages returns the transcript length for a session
func (s *Storage) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// ===== Sessions =====

// TouchSession upserts session metadata
func (s *Storage) TouchSession(meta SessionMeta) error {
	_, err := s.db.Exec(`INSERT INTO sessions (session_id, provider, model, total_tokens, last_rounds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			provider=excluded.provider, model=excluded.model,
			total_tokens=excluded.total_tokens, last_rounds=excluded.last_rounds,
			updated_at=CURRENT_TIMESTAMP`,
		meta.SessionID, meta.Provider, meta.Model, meta.TotalTokens, meta.LastRounds)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// GetSession returns session metadata, or sql.ErrNoRows
func (s *Storage) GetSession(sessionID string) (*SessionMeta, error) {
	var meta SessionMeta
	err := s.db.QueryRow("SELECT session_id, provider, model, total_tokens, last_rounds, updated_at FROM sessions WHERE session_id = ?", sessionID).
		Scan(&meta.SessionID, &meta.Provider, &meta.Model, &meta.TotalTokens, &meta.LastRounds, &meta.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListSessions returns all known session ids, most recently updated first
func (s *Storage) ListSessions() ([]string, error) {
	rows, err := s.db.Query("SELECT session_id FROM sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes the session and its transcript
func (s *Storage) DeleteSession(sessionID string) error {
	if err := s.ClearMessages(sessionID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID)
	return err
}

// ===== Config =====

// GetConfig returns a stored config value, empty string if absent
func (s *Storage) GetConfig(key string) (string, error) {
	var value string
	var err error
	if s.stmtGetConfig != nil {
		err = s.stmtGetConfig.QueryRow(key).Scan(&value)
	} else {
		err = s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	}
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig upserts a config value
func (s *Storage) SetConfig(key, value string) error {
	var err error
	if s.stmtSetConfig != nil {
		_, err = s.stmtSetConfig.Exec(key, value)
	} else {
		_, err = s.db.Exec("INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP", key, value)
	}
	return err
}

// ===== Helpers =====

// EncodeToolCalls serializes tool calls for the tool_calls column
func EncodeToolCalls(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
