package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateSpace creates a space owned by creatorID.
func (db *DB) CreateSpace(ctx context.Context, name string, creatorID int64) (*Space, error) {
	var sp *Space
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `INSERT INTO spaces (name, creator_id, created_at) VALUES (?, ?, ?)`, name, creatorID, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO members (space_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
			id, creatorID, RoleOwner, now); err != nil {
			return err
		}
		sp = &Space{ID: id, Name: name, CreatorID: creatorID}
		return nil
	})
	return sp, err
}

func (db *DB) GetSpace(ctx context.Context, id int64) (*Space, error) {
	var sp Space
	err := db.QueryRowContext(ctx, `SELECT id, name, creator_id FROM spaces WHERE id = ?`, id).Scan(&sp.ID, &sp.Name, &sp.CreatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// AddMember inserts or updates a membership.
func (db *DB) AddMember(ctx context.Context, spaceID, userID int64, role Role) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO members (space_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(space_id, user_id) DO UPDATE SET role = excluded.role`,
		spaceID, userID, role, time.Now().Unix())
	return err
}

// GetMember returns nil, nil when userID is not in the space.
func (db *DB) GetMember(ctx context.Context, spaceID, userID int64) (*Member, error) {
	m := Member{SpaceID: spaceID, UserID: userID}
	err := db.QueryRowContext(ctx, `SELECT role FROM members WHERE space_id = ? AND user_id = ?`, spaceID, userID).Scan(&m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SpaceMembers lists the user ids of a space.
func (db *DB) SpaceMembers(ctx context.Context, spaceID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM members WHERE space_id = ? ORDER BY user_id`, spaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}
