package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

const registryDBName = "registry.db"

// EncryptedSessionRegistry implements domain.SessionRegistry using a
// SQLCipher encrypted SQLite database. The candidate cannot read or forge the
// session entry without the key.
type EncryptedSessionRegistry struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedSessionRegistry opens (or creates) the encrypted registry.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedSessionRegistry(dataDir string, key []byte) (*EncryptedSessionRegistry, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, registryDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only shows up on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	reg := &EncryptedSessionRegistry{db: db, dbPath: dbPath}
	if err := reg.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return reg, nil
}

func (r *EncryptedSessionRegistry) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS active_session (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		session_id TEXT NOT NULL,
		agent_pid INTEGER NOT NULL,
		phase TEXT NOT NULL,
		elevated INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		api_addr TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register saves the active session, replacing any previous entry.
func (r *EncryptedSessionRegistry) Register(s domain.ActiveSession) error {
	if s.LastHeartbeat == 0 {
		s.LastHeartbeat = time.Now().Unix()
	}
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO active_session
			(slot, session_id, agent_pid, phase, elevated, started_at, last_heartbeat, api_addr)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.AgentPID, string(s.Phase), boolToInt(s.Elevated), s.StartedAt, s.LastHeartbeat, s.APIAddr,
	)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_session_id', ?)`, s.SessionID)
	return err
}

// Get returns the active session or nil if none is registered.
func (r *EncryptedSessionRegistry) Get() (*domain.ActiveSession, error) {
	var (
		s        domain.ActiveSession
		phase    string
		elevated int
	)
	err := r.db.QueryRow(`
		SELECT session_id, agent_pid, phase, elevated, started_at, last_heartbeat, api_addr
		FROM active_session WHERE slot = 1`).
		Scan(&s.SessionID, &s.AgentPID, &phase, &elevated, &s.StartedAt, &s.LastHeartbeat, &s.APIAddr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Phase = domain.SessionPhase(phase)
	s.Elevated = elevated != 0
	return &s, nil
}

// UpdateHeartbeat refreshes the liveness timestamp and phase.
func (r *EncryptedSessionRegistry) UpdateHeartbeat(phase domain.SessionPhase) error {
	result, err := r.db.Exec(`UPDATE active_session SET last_heartbeat = ?, phase = ? WHERE slot = 1`,
		time.Now().Unix(), string(phase))
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("no active session registered")
	}
	return nil
}

// Clear removes the active session (session stopped).
func (r *EncryptedSessionRegistry) Clear() error {
	_, err := r.db.Exec(`DELETE FROM active_session`)
	return err
}

// GetRegistryPath returns the database file path.
func (r *EncryptedSessionRegistry) GetRegistryPath() string {
	return r.dbPath
}

// Close releases the database connection.
func (r *EncryptedSessionRegistry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// OpenSessionRegistry opens the encrypted registry in dataDir, generating the
// key on first use. If SQLCipher cannot be used it falls back to the JSON
// file registry.
func OpenSessionRegistry(dataDir string, logger *zap.Logger) (domain.SessionRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err == nil {
		reg, encErr := NewEncryptedSessionRegistry(dataDir, key)
		if encErr == nil {
			return reg, nil
		}
		err = encErr
	}
	logger.Warn("encrypted session registry unavailable, using file registry",
		zap.String("data_dir", dataDir),
		zap.Error(err))
	return NewFileSessionRegistry(dataDir)
}

// Ensure EncryptedSessionRegistry implements domain.SessionRegistry.
var _ domain.SessionRegistry = (*EncryptedSessionRegistry)(nil)
