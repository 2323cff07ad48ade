// Package tempfiles tracks the transient files created on behalf of analyses.
//
// Every file is owned by the analysis id it was created for. The ownership
// ledger is kept in SQLite next to the files themselves, so a restarted
// engine attaching to the same session can still clean up after its previous
// incarnation. Deletion is best effort throughout: a file that cannot be
// removed is logged and forgotten, never surfaced to the controller.
package tempfiles

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"statsengine/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS temp_files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_id INTEGER NOT NULL,
	rel_path    TEXT    NOT NULL,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(analysis_id, rel_path)
);
CREATE INDEX IF NOT EXISTS idx_temp_files_analysis ON temp_files(analysis_id);
`

// Tracker is the per-session temp file registry.
type Tracker struct {
	root string
	db   *sql.DB
	log  *logx.Logger
}

// Attach opens (or creates) the session directory and its ledger.
func Attach(root string) (*Tracker, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp session directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000",
		filepath.Join(root, "ledger.db"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open temp file ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping temp file ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Tracker{
		root: root,
		db:   db,
		log:  logx.NewLogger("tempfiles"),
	}, nil
}

// SessionRoot returns the default session directory for the given parent
// process, under the OS temp dir.
func SessionRoot(parentPID int) string {
	return filepath.Join(os.TempDir(), "statsengine-"+strconv.Itoa(parentPID))
}

// Root returns the session directory all relative paths resolve against.
func (t *Tracker) Root() string {
	return t.root
}

// Create allocates a fresh uniquely-named temp file owned by analysisID and
// registers it. ext is the file extension, without the dot; it may be empty.
// The file itself is created empty so ownership is visible on disk at once.
func (t *Tracker) Create(ext string, analysisID int) (root, rel string, err error) {
	name := uuid.NewString()
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return t.register(filepath.Join(strconv.Itoa(analysisID), name), analysisID)
}

// CreateSpecific allocates the temp file with the given fixed name owned by
// analysisID. Requesting the same name again returns the same path, which is
// how an analysis finds its state file across invocations.
func (t *Tracker) CreateSpecific(name string, analysisID int) (root, rel string, err error) {
	return t.register(filepath.Join(strconv.Itoa(analysisID), name), analysisID)
}

func (t *Tracker) register(rel string, analysisID int) (string, string, error) {
	full := filepath.Join(t.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create temp file directory: %w", err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file %s: %w", rel, err)
	}
	_ = f.Close()

	if _, err := t.db.Exec(
		`INSERT OR IGNORE INTO temp_files (analysis_id, rel_path) VALUES (?, ?)`,
		analysisID, rel,
	); err != nil {
		return "", "", fmt.Errorf("failed to register temp file %s: %w", rel, err)
	}

	return t.root, rel, nil
}

// RetrieveList returns the relative paths of every temp file owned by
// analysisID.
func (t *Tracker) RetrieveList(analysisID int) []string {
	rows, err := t.db.Query(
		`SELECT rel_path FROM temp_files WHERE analysis_id = ? ORDER BY id`,
		analysisID,
	)
	if err != nil {
		t.log.Warn("failed to list temp files for analysis %d: %v", analysisID, err)
		return nil
	}
	defer func() { _ = rows.Close() }()

	var rels []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			t.log.Warn("failed to scan temp file row: %v", err)
			continue
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		t.log.Warn("failed to iterate temp file rows: %v", err)
	}
	return rels
}

// DeleteList removes the given files and their ledger entries. Best effort.
func (t *Tracker) DeleteList(rels []string) {
	for _, rel := range rels {
		if err := os.Remove(filepath.Join(t.root, rel)); err != nil && !os.IsNotExist(err) {
			t.log.Warn("failed to remove temp file %s: %v", rel, err)
		}
		if _, err := t.db.Exec(`DELETE FROM temp_files WHERE rel_path = ?`, rel); err != nil {
			t.log.Warn("failed to deregister temp file %s: %v", rel, err)
		}
	}
}

// DeleteAll removes every tracked file and clears the ledger. Best effort.
func (t *Tracker) DeleteAll() {
	rows, err := t.db.Query(`SELECT rel_path FROM temp_files`)
	if err != nil {
		t.log.Warn("failed to list temp files for full cleanup: %v", err)
		return
	}
	var rels []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err == nil {
			rels = append(rels, rel)
		}
	}
	_ = rows.Err()
	_ = rows.Close()

	for _, rel := range rels {
		if err := os.Remove(filepath.Join(t.root, rel)); err != nil && !os.IsNotExist(err) {
			t.log.Warn("failed to remove temp file %s: %v", rel, err)
		}
	}
	if _, err := t.db.Exec(`DELETE FROM temp_files`); err != nil {
		t.log.Warn("failed to clear temp file ledger: %v", err)
	}
}

// Close closes the ledger. The files themselves are left for the next
// incarnation or DeleteAll.
func (t *Tracker) Close() error {
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("failed to close temp file ledger: %w", err)
	}
	return nil
}
