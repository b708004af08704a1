package store

import (
	"database/sql"
	"errors"
	"time"
)

// RecordWorkflowState upserts the engine-run mirror keyed by workflow id.
// Activities call this; the durable engine remains the source of truth.
func (s *Store) RecordWorkflowState(ws *WorkflowState) error {
	return s.inTx(func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRow(`SELECT id FROM workflow_states WHERE temporal_workflow_id = ?`,
			ws.TemporalWorkflowID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(`
				INSERT INTO workflow_states (temporal_workflow_id, workflow_type, status, started_at,
					completed_at, error_message, input_data)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ws.TemporalWorkflowID, ws.WorkflowType, ws.Status, ws.StartedAt,
				ws.CompletedAt, ws.ErrorMessage, ws.InputData)
			return err
		case err != nil:
			return err
		default:
			_, err = tx.Exec(`
				UPDATE workflow_states SET workflow_type = ?, status = ?, started_at = ?,
					completed_at = ?, error_message = ? WHERE id = ?`,
				ws.WorkflowType, ws.Status, ws.StartedAt, ws.CompletedAt, ws.ErrorMessage, id)
			return err
		}
	})
}

// GetWorkflowState fetches a workflow state mirror by workflow id.
func (s *Store) GetWorkflowState(workflowID string) (*WorkflowState, error) {
	ws := &WorkflowState{}
	var started, completed *time.Time
	err := s.db.QueryRow(`
		SELECT id, temporal_workflow_id, workflow_type, status, started_at, completed_at, error_message, input_data
		FROM workflow_states WHERE temporal_workflow_id = ?`, workflowID).
		Scan(&ws.ID, &ws.TemporalWorkflowID, &ws.WorkflowType, &ws.Status, &started, &completed,
			&ws.ErrorMessage, &ws.InputData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "workflow_state", Key: workflowID}
	}
	if err != nil {
		return nil, err
	}
	ws.StartedAt = started
	ws.CompletedAt = completed
	return ws, nil
}
