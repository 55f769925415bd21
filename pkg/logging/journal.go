package logging

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Use the pure Go SQLite driver

	"deskagent/pkg/types"
)

// Journal records every run, iteration and command result in SQLite.
// Write failures are logged and swallowed; the journal never stops the agent.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	j := &Journal{db: db, logger: logger.Named("journal")}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            task TEXT,
            started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            finished_at DATETIME,
            iterations INTEGER DEFAULT 0,
            reason TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS iterations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            n INTEGER,
            reply TEXT,
            voice_feedback TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS command_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            iteration INTEGER,
            position INTEGER,
            command TEXT,
            success INTEGER,
            message TEXT
        );`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create journal tables: %w", err)
		}
	}
	return nil
}

// StartRun registers a new run and returns its ID.
func (j *Journal) StartRun(ctx context.Context, task string) string {
	id := uuid.NewString()
	j.exec(ctx, `INSERT INTO runs (id, task) VALUES (?, ?)`, id, task)
	return id
}

// LogIteration stores the model reply of one iteration.
func (j *Journal) LogIteration(ctx context.Context, runID string, n int, reply, feedback string) {
	j.exec(ctx, `INSERT INTO iterations (run_id, n, reply, voice_feedback) VALUES (?, ?, ?, ?)`,
		runID, n, reply, feedback)
}

// LogCommandResults stores the results of one executed batch.
func (j *Journal) LogCommandResults(ctx context.Context, runID string, iteration int, results []types.CommandResult) {
	for i, r := range results {
		j.exec(ctx, `INSERT INTO command_results (run_id, iteration, position, command, success, message) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, iteration, i, r.Command.Name, r.Success, r.Message)
	}
}

// FinishRun closes out the run record.
func (j *Journal) FinishRun(ctx context.Context, runID string, iterations int, reason string) {
	j.exec(ctx, `UPDATE runs SET finished_at = CURRENT_TIMESTAMP, iterations = ?, reason = ? WHERE id = ?`,
		iterations, reason, runID)
}

// CommandCount returns how many results were journaled for a run.
func (j *Journal) CommandCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_results WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count command results: %w", err)
	}
	return n, nil
}

// RunReason returns the recorded stop reason of a run.
func (j *Journal) RunReason(ctx context.Context, runID string) (string, int, error) {
	var reason sql.NullString
	var iterations int
	err := j.db.QueryRowContext(ctx, `SELECT reason, iterations FROM runs WHERE id = ?`, runID).Scan(&reason, &iterations)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read run: %w", err)
	}
	return reason.String, iterations, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) exec(ctx context.Context, query string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Journal writes outlive a cancelled run context so the final record lands.
	if _, err := j.db.ExecContext(context.WithoutCancel(ctx), query, args...); err != nil {
		j.logger.Warn("Failed to write journal entry", zap.Error(err))
	}
}
