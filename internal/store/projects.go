package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const projectColumns = `id, owner, host_id, last_edited, last_backup, created_at`

func scanProject(row scanner) (*Project, error) {
	var (
		p          Project
		hostID     sql.NullString
		lastEdited sql.NullInt64
		lastBackup sql.NullInt64
		createdAt  int64
	)
	if err := row.Scan(&p.ID, &p.Owner, &hostID, &lastEdited, &lastBackup, &createdAt); err != nil {
		return nil, err
	}
	p.HostID = hostID.String
	p.LastEdited = timePtr(lastEdited)
	p.LastBackup = timePtr(lastBackup)
	p.CreatedAt = fromMS(createdAt)
	return &p, nil
}

// CreateProject inserts a project record.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner, host_id, last_edited, last_backup, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Owner, nullString(p.HostID), nullMS(p.LastEdited), nullMS(p.LastBackup), ms(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return p, nil
}

// ListProjectsOnHost returns the projects assigned to a host.
func (s *Store) ListProjectsOnHost(ctx context.Context, hostID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE host_id = ? ORDER BY id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AssignProject moves a project from one host to another. The update only
// applies while the project is still on fromHost, so a concurrent move
// wins or loses as a whole.
func (s *Store) AssignProject(ctx context.Context, projectID, fromHost, toHost string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET host_id = ?
		WHERE id = ? AND COALESCE(host_id, '') = ?
	`, nullString(toHost), projectID, fromHost)
	if err != nil {
		return false, fmt.Errorf("assign project: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearHostAssignments unassigns every project on a host and returns how
// many were cleared.
func (s *Store) ClearHostAssignments(ctx context.Context, hostID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET host_id = NULL WHERE host_id = ?`, hostID)
	if err != nil {
		return 0, fmt.Errorf("clear host assignments: %w", err)
	}
	return res.RowsAffected()
}

// CountAtRiskProjects counts projects on a host whose last edit is newer
// than their last backup.
func (s *Store) CountAtRiskProjects(ctx context.Context, hostID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projects
		WHERE host_id = ? AND last_edited IS NOT NULL
		  AND (last_backup IS NULL OR last_backup <= last_edited)
	`, hostID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count at-risk projects: %w", err)
	}
	return n, nil
}

// RecordEdit stamps a project's last edit.
func (s *Store) RecordEdit(ctx context.Context, projectID string, at time.Time) error {
	return s.stampProject(ctx, projectID, "last_edited", at)
}

// RecordBackup stamps a project's last backup.
func (s *Store) RecordBackup(ctx context.Context, projectID string, at time.Time) error {
	return s.stampProject(ctx, projectID, "last_backup", at)
}

func (s *Store) stampProject(ctx context.Context, projectID, column string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET `+column+` = ? WHERE id = ?`, ms(at), projectID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.GetProject(ctx, projectID)
		return err
	}
	return nil
}
