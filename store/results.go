package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Summary represents a row in the summaries table.
type Summary struct {
	ID         int64   `json:"id"`
	UploadID   int64   `json:"upload_id"`
	OldSummary *string `json:"old_summary"`
	NewSummary string  `json:"new_summary"`
}

// EntityGraph represents a row in the entity_graphs table. OldJSON and
// NewJSON hold the raw extraction; GraphOld and GraphNew the flattened graph.
type EntityGraph struct {
	ID       int64   `json:"id"`
	UploadID int64   `json:"upload_id"`
	OldJSON  *string `json:"old_json"`
	NewJSON  string  `json:"new_json"`
	GraphOld *string `json:"graph_old"`
	GraphNew string  `json:"graph_new"`
}

// Results is everything one pipeline run produces for an upload.
type Results struct {
	UploadID   int64
	OldSummary *string
	NewSummary string
	OldJSON    *string
	NewJSON    string
	GraphOld   *string
	GraphNew   string
}

// SaveResults upserts the summary and entity graph rows for an upload in one
// transaction. Either both rows are replaced or neither is.
func (s *Store) SaveResults(ctx context.Context, r Results) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (upload_id, old_summary, new_summary)
			VALUES (?, ?, ?)
			ON CONFLICT(upload_id) DO UPDATE SET
				old_summary = excluded.old_summary,
				new_summary = excluded.new_summary
		`, r.UploadID, nullString(r.OldSummary), r.NewSummary); err != nil {
			return fmt.Errorf("upserting summary: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_graphs (upload_id, old_json, new_json, graph_old, graph_new)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(upload_id) DO UPDATE SET
				old_json = excluded.old_json,
				new_json = excluded.new_json,
				graph_old = excluded.graph_old,
				graph_new = excluded.graph_new
		`, r.UploadID, nullString(r.OldJSON), r.NewJSON,
			nullString(r.GraphOld), r.GraphNew); err != nil {
			return fmt.Errorf("upserting entity graph: %w", err)
		}
		return nil
	})
}

// GetSummary retrieves the summary row for an upload.
func (s *Store) GetSummary(ctx context.Context, uploadID int64) (*Summary, error) {
	sm := &Summary{}
	var old sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, upload_id, old_summary, new_summary
		FROM summaries WHERE upload_id = ?
	`, uploadID).Scan(&sm.ID, &sm.UploadID, &old, &sm.NewSummary)
	if err != nil {
		return nil, notFound(err)
	}
	sm.OldSummary = stringPtr(old)
	return sm, nil
}

// GetEntityGraph retrieves the entity graph row for an upload.
func (s *Store) GetEntityGraph(ctx context.Context, uploadID int64) (*EntityGraph, error) {
	eg := &EntityGraph{}
	var oldJSON, graphOld sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, upload_id, old_json, new_json, graph_old, graph_new
		FROM entity_graphs WHERE upload_id = ?
	`, uploadID).Scan(&eg.ID, &eg.UploadID, &oldJSON, &eg.NewJSON, &graphOld, &eg.GraphNew)
	if err != nil {
		return nil, notFound(err)
	}
	eg.OldJSON = stringPtr(oldJSON)
	eg.GraphOld = stringPtr(graphOld)
	return eg, nil
}
