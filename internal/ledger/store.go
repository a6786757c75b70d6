// Package ledger is the persistence boundary of the CEP machine. It
// stores unit definitions, their lifecycle status, historical coherence
// snapshots, container events, research logs, and test results in a
// local SQLite database.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cepmachine/internal/coherence"
	"cepmachine/internal/logging"
)

// UnitStatus is the lifecycle status of a build unit. Strictly forward
// moving except for an explicit retry.
type UnitStatus string

const (
	StatusPending    UnitStatus = "pending"
	StatusInProgress UnitStatus = "in_progress"
	StatusCompleted  UnitStatus = "completed"
	StatusFailed     UnitStatus = "failed"
)

// Unit is one item of work the orchestrator advances through the
// seven-phase pipeline.
type Unit struct {
	ID              int        `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Status          UnitStatus `json:"status"`
	OutputFile      string     `json:"output_file"`
	PhiContribution float64    `json:"phi_contribution"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CoherenceRecord is a persisted coherence snapshot row. Column names
// mirror the snapshot contract fields.
type CoherenceRecord struct {
	ID             int64     `json:"id"`
	PhiSync        float64   `json:"phi_sync"`
	SalesHealth    float64   `json:"sales_health"`
	OpsHealth      float64   `json:"ops_health"`
	FinanceHealth  float64   `json:"finance_health"`
	CouplingFactor float64   `json:"coupling_factor"`
	Recommendation string    `json:"recommendation"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the ledger database at the given path,
// initializing the schema on first use.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	logging.Ledger("ledger opened at %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	-- Build units table
	CREATE TABLE IF NOT EXISTS units (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		output_file TEXT,
		phi_contribution REAL NOT NULL DEFAULT 0.0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);

	-- Coherence snapshot history
	CREATE TABLE IF NOT EXISTS coherence_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phi_sync REAL NOT NULL,
		sales_health REAL,
		ops_health REAL,
		finance_health REAL,
		coupling_factor REAL,
		recommendation TEXT,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_coherence_time ON coherence_metrics(recorded_at);

	-- Container events (audit mirror of the in-memory log)
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		container TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_container ON events(container);

	-- Research citations
	CREATE TABLE IF NOT EXISTS research_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		source_url TEXT,
		source_title TEXT,
		summary TEXT,
		unit_id INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (unit_id) REFERENCES units(id)
	);
	CREATE INDEX IF NOT EXISTS idx_research_unit ON research_logs(unit_id);

	-- Verification results
	CREATE TABLE IF NOT EXISTS test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id INTEGER,
		test_name TEXT NOT NULL,
		passed INTEGER NOT NULL,
		duration_ms INTEGER,
		error_message TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (unit_id) REFERENCES units(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tests_unit ON test_results(unit_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// seedUnit is one row of the canonical nine-layer pipeline.
type seedUnit struct {
	id          int
	name        string
	description string
	category    string
	outputFile  string
}

var defaultUnits = []seedUnit{
	{1, "Prospect Research", "Find local businesses with no optimized profile", "sales", "prospector.go"},
	{2, "Pitch Generator", "Write personalized emails referencing missing profile features", "sales", "pitch_gen.go"},
	{3, "Outreach Engine", "Send pitches through the mail provider", "sales", "outreach.go"},
	{4, "Booking Handler", "Webhook listener for the scheduler that updates the CRM", "operations", "booking_handler.go"},
	{5, "Onboarding Flow", "Create shared folder and project board for new clients", "operations", "onboarding.go"},
	{6, "Profile Optimizer", "Core service agent that posts profile updates", "operations", "profile_optimizer.go"},
	{7, "Reporting Engine", "Compile profile insights into a periodic report", "finance", "reporter.go"},
	{8, "Finance Tracker", "Payment webhook listener feeding MRR and the Finance container", "finance", "finance_tracker.go"},
	{9, "Self-Learning", "Loop that reads outcomes and tunes the earlier layers", "finance", "feedback_loop.go"},
}

// Seed inserts the nine business units. INSERT OR IGNORE keeps re-init
// idempotent.
func (s *Store) Seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range defaultUnits {
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO units (id, name, description, category, output_file)
			VALUES (?, ?, ?, ?, ?)
		`, u.id, u.name, u.description, u.category, u.outputFile)
		if err != nil {
			return fmt.Errorf("failed to seed unit %d: %w", u.id, err)
		}
	}

	logging.Ledger("seeded %d units", len(defaultUnits))
	return nil
}

// Unit retrieves a unit by id. Returns nil when absent.
func (s *Store) Unit(id int) (*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := scanUnit(s.db.QueryRow(`
		SELECT id, name, description, category, status, output_file,
			phi_contribution, created_at, completed_at
		FROM units WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unit %d: %w", id, err)
	}
	return u, nil
}

// Units retrieves all units in id order.
func (s *Store) Units() ([]Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, description, category, status, output_file,
			phi_contribution, created_at, completed_at
		FROM units ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*Unit, error) {
	var u Unit
	var desc, category, outputFile sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&u.ID, &u.Name, &desc, &category, &u.Status, &outputFile,
		&u.PhiContribution, &u.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	u.Description = desc.String
	u.Category = category.String
	u.OutputFile = outputFile.String
	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}
	return &u, nil
}

// UpdateUnitStatus records a unit's new lifecycle status. Completion
// stamps completed_at and the phi contribution attributable to the unit.
func (s *Store) UpdateUnitStatus(id int, status UnitStatus, phiContribution float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if status == StatusCompleted || status == StatusFailed {
		_, err = s.db.Exec(`
			UPDATE units SET status = ?, completed_at = ?, phi_contribution = ?
			WHERE id = ?
		`, status, time.Now(), phiContribution, id)
	} else {
		_, err = s.db.Exec(`UPDATE units SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update unit %d status: %w", id, err)
	}

	logging.Ledger("unit %d -> %s (phi +%.4f)", id, status, phiContribution)
	return nil
}

// RecordCoherence persists a coherence snapshot.
func (s *Store) RecordCoherence(snap coherence.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO coherence_metrics
			(phi_sync, sales_health, ops_health, finance_health, coupling_factor, recommendation, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.PhiSync,
		snap.ContainerScores["Sales"],
		snap.ContainerScores["Operations"],
		snap.ContainerScores["Finance"],
		snap.CouplingFactor, snap.Recommendation, snap.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to record coherence: %w", err)
	}
	return nil
}

// LatestCoherence returns the most recent persisted snapshot, or nil
// when the history is empty.
func (s *Store) LatestCoherence() (*CoherenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r CoherenceRecord
	var recommendation sql.NullString
	err := s.db.QueryRow(`
		SELECT id, phi_sync, sales_health, ops_health, finance_health,
			coupling_factor, recommendation, recorded_at
		FROM coherence_metrics ORDER BY id DESC LIMIT 1
	`).Scan(&r.ID, &r.PhiSync, &r.SalesHealth, &r.OpsHealth, &r.FinanceHealth,
		&r.CouplingFactor, &recommendation, &r.RecordedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest coherence: %w", err)
	}
	r.Recommendation = recommendation.String
	return &r, nil
}

// CoherenceHistory returns up to limit snapshots, newest first.
func (s *Store) CoherenceHistory(limit int) ([]CoherenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, phi_sync, sales_health, ops_health, finance_health,
			coupling_factor, recommendation, recorded_at
		FROM coherence_metrics ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load coherence history: %w", err)
	}
	defer rows.Close()

	var records []CoherenceRecord
	for rows.Next() {
		var r CoherenceRecord
		var recommendation sql.NullString
		if err := rows.Scan(&r.ID, &r.PhiSync, &r.SalesHealth, &r.OpsHealth,
			&r.FinanceHealth, &r.CouplingFactor, &recommendation, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coherence row: %w", err)
		}
		r.Recommendation = recommendation.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordEvent mirrors a container event into the audit table.
func (s *Store) RecordEvent(containerName, eventType, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO events (container, event_type, data) VALUES (?, ?, ?)
	`, containerName, eventType, data)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// AddResearchLog stores a research citation for a unit. A zero unit id
// records an ad hoc query.
func (s *Store) AddResearchLog(query, sourceURL, sourceTitle, summary string, unitID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unit any
	if unitID > 0 {
		unit = unitID
	}
	_, err := s.db.Exec(`
		INSERT INTO research_logs (query, source_url, source_title, summary, unit_id)
		VALUES (?, ?, ?, ?, ?)
	`, query, sourceURL, sourceTitle, summary, unit)
	if err != nil {
		return fmt.Errorf("failed to add research log: %w", err)
	}
	return nil
}

// SaveTestResult stores a verification check outcome for a unit.
func (s *Store) SaveTestResult(unitID int, testName string, passed bool, duration time.Duration, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	passedInt := 0
	if passed {
		passedInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO test_results (unit_id, test_name, passed, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?)
	`, unitID, testName, passedInt, duration.Milliseconds(), errorMessage)
	if err != nil {
		return fmt.Errorf("failed to save test result: %w", err)
	}
	return nil
}
