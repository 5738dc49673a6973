// Package store persists the pipeline's entities in SQLite and keeps a
// companion vector index for similarity search. List-valued columns are
// stored as JSON arrays.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Storage is the persistence boundary used by the poller and the
// retrieval engine.
type Storage interface {
	// Pending event queue (written by the external recorder; the
	// pipeline reads and marks processed).
	InsertPendingEvent(ev *PendingEvent) (int64, error)
	PendingSessions() ([]string, error)
	PendingEvents(sessionID string, limit int) ([]PendingEvent, error)
	MarkProcessed(id int64) error

	// Observations.
	InsertObservation(o *Observation) error
	GetObservation(id string) (*Observation, error)
	ObservationsBySession(sessionID string) ([]Observation, error)
	ObservationsByIDs(ids []string) ([]Observation, error)
	MaxPromptNumber(sessionID string) (int, error)
	DeleteObservation(id string) error

	// Session summaries, one row per session, last write wins.
	UpsertSummary(s *SessionSummary) error
	GetSummary(sessionID string) (*SessionSummary, error)

	Close() error
}

// SQLiteStore implements Storage on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			tool_name TEXT,
			tool_input TEXT,
			tool_response TEXT,
			cwd TEXT,
			project TEXT,
			timestamp INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_unprocessed
			ON pending_events(session_id, id) WHERE processed = 0;`,
		`CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project TEXT,
			prompt_number INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			type TEXT NOT NULL,
			title TEXT,
			subtitle TEXT,
			narrative TEXT,
			facts TEXT,
			concepts TEXT,
			files_read TEXT,
			files_modified TEXT,
			tool_name TEXT,
			correlation_id TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_session
			ON observations(session_id, prompt_number);`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			id TEXT NOT NULL,
			session_id TEXT PRIMARY KEY,
			project TEXT,
			request TEXT,
			investigated TEXT,
			learned TEXT,
			completed TEXT,
			next_steps TEXT,
			notes TEXT,
			created_at INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Pending events

func (s *SQLiteStore) InsertPendingEvent(ev *PendingEvent) (int64, error) {
	query := `INSERT INTO pending_events
		(session_id, event_type, tool_name, tool_input, tool_response, cwd, project, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`
	res, err := s.db.Exec(query, ev.SessionID, string(ev.EventType), ev.ToolName,
		ev.ToolInput, ev.ToolResponse, ev.CWD, ev.Project, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	return id, nil
}

// PendingSessions returns the distinct session ids that still have
// unprocessed events, oldest first.
func (s *SQLiteStore) PendingSessions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM pending_events WHERE processed = 0 GROUP BY session_id ORDER BY MIN(id)`)
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

// PendingEvents returns up to limit unprocessed events for a session in
// creation order.
func (s *SQLiteStore) PendingEvents(sessionID string, limit int) ([]PendingEvent, error) {
	query := `SELECT id, session_id, event_type, tool_name, tool_input, tool_response, cwd, project, timestamp, processed
		FROM pending_events WHERE session_id = ? AND processed = 0 ORDER BY id LIMIT ?`
	rows, err := s.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PendingEvent
	for rows.Next() {
		var ev PendingEvent
		var et string
		var processed int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &et, &ev.ToolName, &ev.ToolInput,
			&ev.ToolResponse, &ev.CWD, &ev.Project, &ev.Timestamp, &processed); err != nil {
			return nil, err
		}
		ev.EventType = EventType(et)
		ev.Processed = processed != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE pending_events SET processed = 1 WHERE id = ?`, id)
	return err
}

// Observations

const observationColumns = `id, session_id, project, prompt_number, timestamp, type, title, subtitle,
	narrative, facts, concepts, files_read, files_modified, tool_name, correlation_id, created_at`

func (s *SQLiteStore) InsertObservation(o *Observation) error {
	facts, err := marshalList(o.Facts)
	if err != nil {
		return err
	}
	concepts, err := marshalList(o.Concepts)
	if err != nil {
		return err
	}
	read, err := marshalList(o.FilesRead)
	if err != nil {
		return err
	}
	modified, err := marshalList(o.FilesModified)
	if err != nil {
		return err
	}

	query := `INSERT INTO observations (` + observationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, o.ID, o.SessionID, o.Project, o.PromptNumber, o.Timestamp,
		string(o.Type), o.Title, o.Subtitle, o.Narrative, facts, concepts, read, modified,
		o.ToolName, o.CorrelationID, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

func scanObservation(row interface{ Scan(...any) error }) (*Observation, error) {
	var o Observation
	var typ string
	var facts, concepts, read, modified string
	if err := row.Scan(&o.ID, &o.SessionID, &o.Project, &o.PromptNumber, &o.Timestamp,
		&typ, &o.Title, &o.Subtitle, &o.Narrative, &facts, &concepts, &read, &modified,
		&o.ToolName, &o.CorrelationID, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Type = ObservationType(typ)

	var err error
	if o.Facts, err = unmarshalList(facts); err != nil {
		return nil, err
	}
	if o.Concepts, err = unmarshalList(concepts); err != nil {
		return nil, err
	}
	if o.FilesRead, err = unmarshalList(read); err != nil {
		return nil, err
	}
	if o.FilesModified, err = unmarshalList(modified); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) GetObservation(id string) (*Observation, error) {
	row := s.db.QueryRow(`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("observation not found: %s", id)
	}
	return o, err
}

func (s *SQLiteStore) ObservationsBySession(sessionID string) ([]Observation, error) {
	rows, err := s.db.Query(
		`SELECT `+observationColumns+` FROM observations WHERE session_id = ? ORDER BY prompt_number`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, *o)
	}
	return obs, rows.Err()
}

// ObservationsByIDs fetches the given ids; missing ids are silently
// absent from the result.
func (s *SQLiteStore) ObservationsByIDs(ids []string) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT `+observationColumns+` FROM observations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Observation, len(ids))
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		byID[o.ID] = *o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's ordering.
	var obs []Observation
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			obs = append(obs, o)
		}
	}
	return obs, nil
}

func (s *SQLiteStore) MaxPromptNumber(sessionID string) (int, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(MAX(prompt_number), 0) FROM observations WHERE session_id = ?`, sessionID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *SQLiteStore) DeleteObservation(id string) error {
	_, err := s.db.Exec(`DELETE FROM observations WHERE id = ?`, id)
	return err
}

// Session summaries

func (s *SQLiteStore) UpsertSummary(sum *SessionSummary) error {
	investigated, err := marshalList(sum.Investigated)
	if err != nil {
		return err
	}
	learned, err := marshalList(sum.Learned)
	if err != nil {
		return err
	}
	completed, err := marshalList(sum.Completed)
	if err != nil {
		return err
	}
	next, err := marshalList(sum.NextSteps)
	if err != nil {
		return err
	}

	query := `INSERT INTO session_summaries
		(id, session_id, project, request, investigated, learned, completed, next_steps, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			id = excluded.id,
			project = excluded.project,
			request = excluded.request,
			investigated = excluded.investigated,
			learned = excluded.learned,
			completed = excluded.completed,
			next_steps = excluded.next_steps,
			notes = excluded.notes,
			created_at = excluded.created_at`
	_, err = s.db.Exec(query, sum.ID, sum.SessionID, sum.Project, sum.Request,
		investigated, learned, completed, next, sum.Notes, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSummary(sessionID string) (*SessionSummary, error) {
	row := s.db.QueryRow(`SELECT id, session_id, project, request, investigated, learned,
		completed, next_steps, notes, created_at FROM session_summaries WHERE session_id = ?`, sessionID)

	var sum SessionSummary
	var investigated, learned, completed, next string
	err := row.Scan(&sum.ID, &sum.SessionID, &sum.Project, &sum.Request,
		&investigated, &learned, &completed, &next, &sum.Notes, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no summary for session: %s", sessionID)
	}
	if err != nil {
		return nil, err
	}

	if sum.Investigated, err = unmarshalList(investigated); err != nil {
		return nil, err
	}
	if sum.Learned, err = unmarshalList(learned); err != nil {
		return nil, err
	}
	if sum.Completed, err = unmarshalList(completed); err != nil {
		return nil, err
	}
	if sum.NextSteps, err = unmarshalList(next); err != nil {
		return nil, err
	}
	return &sum, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return items, nil
}
