package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"familychat-service/internal/models"
)

var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepository resolves member display metadata.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID int) (models.Profile, error)
	BulkProfiles(ctx context.Context, ids []int) ([]models.Profile, error)
}

// ProfileRepo is a sqlx implementation of ProfileRepository.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// GetProfile fetches one profile by user id.
func (r *ProfileRepo) GetProfile(ctx context.Context, userID int) (models.Profile, error) {
	var p models.Profile
	err := r.db.GetContext(ctx, &p, `SELECT id, name, avatar_url, family_id FROM profiles WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	return p, err
}

// BulkProfiles fetches multiple profiles in one query.
func (r *ProfileRepo) BulkProfiles(ctx context.Context, ids []int) ([]models.Profile, error) {
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}
	var profiles []models.Profile
	err := r.db.SelectContext(ctx, &profiles, `SELECT id, name, avatar_url, family_id FROM profiles WHERE id = ANY($1)`, pq.Array(ids))
	return profiles, err
}
