package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/ride-convoy/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) InsertParticipant(ctx context.Context, r *models.Participant) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO participants(id, session_id, user_id, display_name, photo_url, color_index, approval_state, tracking_active, requested_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.SessionID, r.UserID, r.DisplayName, r.PhotoURL, r.ColorIndex, r.ApprovalState, r.TrackingActive, r.RequestedAt)
	return err
}

func (p *PostgresStore) UpdateApprovalState(ctx context.Context, r *models.Participant) error {
	res, err := p.db.ExecContext(ctx, `UPDATE participants SET approval_state=$1, approved_at=$2, approved_by=$3 WHERE id=$4`,
		r.ApprovalState, r.ApprovedAt, r.ApprovedBy, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateTracking(ctx context.Context, sessionID, userID string, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE participants SET tracking_active=$1 WHERE session_id=$2 AND user_id=$3`, active, sessionID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM participants WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const participantCols = `id, session_id, user_id, display_name, photo_url, color_index, approval_state, tracking_active, requested_at, approved_at, approved_by`

func (p *PostgresStore) GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
	return scanParticipant(row)
}

func (p *PostgresStore) GetParticipantByID(ctx context.Context, id string) (*models.Participant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE id=$1`, id)
	return scanParticipant(row)
}

func (p *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+participantCols+` FROM participants WHERE session_id=$1 ORDER BY requested_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Participant
	for rows.Next() {
		r, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var r models.Participant
	var approvedAt sql.NullTime
	var approvedBy sql.NullString
	err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &r.DisplayName, &r.PhotoURL, &r.ColorIndex,
		&r.ApprovalState, &r.TrackingActive, &r.RequestedAt, &approvedAt, &approvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	r.ApprovedBy = approvedBy.String
	return &r, nil
}

func (p *PostgresStore) UpsertDestination(ctx context.Context, d *models.SharedDestination) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO shared_destinations(session_id, dest_lat, dest_lon, dest_name, shared_by, shared_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO UPDATE SET dest_lat=$2, dest_lon=$3, dest_name=$4, shared_by=$5, shared_at=$6`,
		d.SessionID, d.Dest.Lat, d.Dest.Lon, d.DestName, d.SharedBy, d.SharedAt)
	return err
}

func (p *PostgresStore) DeleteDestination(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM shared_destinations WHERE session_id=$1`, sessionID)
	return err
}

func (p *PostgresStore) GetDestination(ctx context.Context, sessionID string) (*models.SharedDestination, error) {
	var d models.SharedDestination
	err := p.db.QueryRowContext(ctx, `SELECT session_id, dest_lat, dest_lon, dest_name, shared_by, shared_at FROM shared_destinations WHERE session_id=$1`, sessionID).
		Scan(&d.SessionID, &d.Dest.Lat, &d.Dest.Lon, &d.DestName, &d.SharedBy, &d.SharedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
