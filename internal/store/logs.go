package store

import (
	"encoding/json"
)

// AppendRunLog appends an entry to a run's log. Logs are append-only.
func (s *Store) AppendRunLog(runID int64, logType LogType, content string, metadata map[string]any) error {
	var meta any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err == nil {
			meta = string(b)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_run_logs (agent_run_id, log_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`, runID, logType, content, meta, s.now())
	return err
}

// RunLogs returns all log entries for a run in append order.
func (s *Store) RunLogs(runID int64) ([]*AgentRunLog, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_run_id, log_type, content, metadata, created_at
		FROM agent_run_logs WHERE agent_run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentRunLog
	for rows.Next() {
		l := &AgentRunLog{}
		var meta *string
		if err := rows.Scan(&l.ID, &l.AgentRunID, &l.LogType, &l.Content, &meta, &l.CreatedAt); err != nil {
			return nil, err
		}
		if meta != nil {
			_ = json.Unmarshal([]byte(*meta), &l.Metadata)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
