package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Regulation represents a row in the regulations table.
type Regulation struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Upload represents a row in the uploads table joined with its regulation.
type Upload struct {
	ID             int64   `json:"id"`
	RegulationID   int64   `json:"regulation_id"`
	RegulationName string  `json:"regulation_name"`
	OldPath        *string `json:"old_path"`
	NewPath        string  `json:"new_path"`
	UploadTime     string  `json:"upload_time"`
}

// IsComparison reports whether the upload carries an old document.
func (u *Upload) IsComparison() bool {
	return u.OldPath != nil && *u.OldPath != ""
}

// ListRegulations returns all regulations ordered by id.
func (s *Store) ListRegulations(ctx context.Context) ([]Regulation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM regulations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []Regulation
	for rows.Next() {
		var r Regulation
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

// GetRegulation retrieves a regulation by id.
func (s *Store) GetRegulation(ctx context.Context, id int64) (*Regulation, error) {
	r := &Regulation{}
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM regulations WHERE id = ?", id).
		Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// CreateUpload inserts an upload and returns its id. oldPath is nil for a
// first-time submission.
func (s *Store) CreateUpload(ctx context.Context, regulationID int64, oldPath *string, newPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO uploads (regulation_id, old_path, new_path) VALUES (?, ?, ?)",
		regulationID, nullString(oldPath), newPath)
	if err != nil {
		return 0, fmt.Errorf("inserting upload: %w", err)
	}
	return res.LastInsertId()
}

const uploadColumns = `
	u.id, u.regulation_id, r.name, u.old_path, u.new_path, u.upload_time
	FROM uploads u JOIN regulations r ON r.id = u.regulation_id`

func scanUpload(sc interface{ Scan(...any) error }) (*Upload, error) {
	u := &Upload{}
	var oldPath sql.NullString
	if err := sc.Scan(&u.ID, &u.RegulationID, &u.RegulationName, &oldPath, &u.NewPath, &u.UploadTime); err != nil {
		return nil, err
	}
	u.OldPath = stringPtr(oldPath)
	return u, nil
}

// GetUpload retrieves an upload by id.
func (s *Store) GetUpload(ctx context.Context, id int64) (*Upload, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+uploadColumns+" WHERE u.id = ?", id)
	u, err := scanUpload(row)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// ListUploads returns all uploads, newest first.
func (s *Store) ListUploads(ctx context.Context) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+uploadColumns+" ORDER BY u.upload_time DESC, u.id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}
