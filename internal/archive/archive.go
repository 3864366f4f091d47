// Package archive keeps the long-term record of finished work: task
// records that reached a terminal state and message acknowledgments.
// The live queues stay in their JSON snapshots; the archive only grows.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	task_id     TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	description TEXT NOT NULL,
	priority    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_agent ON task_history(agent_id);

CREATE TABLE IF NOT EXISTS message_acks (
	message_id TEXT PRIMARY KEY,
	recipient  TEXT NOT NULL,
	acked_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_acks_recipient ON message_acks(recipient);
`

// TaskRecord is one archived terminal task.
type TaskRecord struct {
	TaskID      string
	AgentID     string
	Description string
	Priority    string
	Status      string
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// Store wraps the sqlite database in the runtime directory.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTask inserts or replaces a terminal task record.
func (s *Store) RecordTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_history
			(task_id, agent_id, description, priority, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.TaskID, rec.AgentID, rec.Description, rec.Priority, rec.Status, rec.CreatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("record task %s: %w", rec.TaskID, err)
	}
	return nil
}

// TaskHistory returns archived tasks, most recent first. An empty
// agentID returns every agent's history.
func (s *Store) TaskHistory(ctx context.Context, agentID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT task_id, agent_id, description, priority, status, created_at, finished_at
		FROM task_history`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY finished_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(
			&rec.TaskID,
			&rec.AgentID,
			&rec.Description,
			&rec.Priority,
			&rec.Status,
			&rec.CreatedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordAck notes that a message left its mailbox.
func (s *Store) RecordAck(ctx context.Context, messageID, recipient string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO message_acks (message_id, recipient, acked_at)
		VALUES (?, ?, ?);
	`, messageID, recipient, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record ack %s: %w", messageID, err)
	}
	return nil
}

// AckCount returns the number of acknowledged messages for a recipient,
// or all recipients when empty.
func (s *Store) AckCount(ctx context.Context, recipient string) (int64, error) {
	var count int64
	var err error
	if recipient == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_acks;`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_acks WHERE recipient = ?;`, recipient).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("ack count: %w", err)
	}
	return count, nil
}
