package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trunov/secondhand/internal/entities"
)

const listingColumns = `id, user_id, description, alt_text, price, photos, created_at`

type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close(context.Context) error {
	s.dbpool.Close()
	return nil
}

func (s *dbStorage) InsertListing(ctx context.Context, l entities.Listing) error {
	photos := l.Photos
	if photos == nil {
		photos = []string{}
	}

	_, err := s.dbpool.Exec(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.UserID, l.Description, l.AltText, l.Price, photos, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing %s: %w", l.ID, err)
	}
	return nil
}

// ListListings returns the newest listings first.
func (s *dbStorage) ListListings(ctx context.Context, limit int) ([]entities.Listing, error) {
	rows, err := s.dbpool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}

	listings, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, fmt.Errorf("scan listings: %w", err)
	}
	return listings, nil
}

func (s *dbStorage) GetListing(ctx context.Context, id string) (entities.Listing, error) {
	rows, err := s.dbpool.Query(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if err != nil {
		return entities.Listing{}, fmt.Errorf("query listing %s: %w", id, err)
	}
	return collectOne(rows, id)
}

// DeleteListing removes the listing and returns what was stored, so callers
// can clean up the photos it referenced.
func (s *dbStorage) DeleteListing(ctx context.Context, id string) (entities.Listing, error) {
	rows, err := s.dbpool.Query(ctx, `DELETE FROM listings WHERE id = $1 RETURNING `+listingColumns, id)
	if err != nil {
		return entities.Listing{}, fmt.Errorf("delete listing %s: %w", id, err)
	}
	return collectOne(rows, id)
}

func collectOne(rows pgx.Rows, id string) (entities.Listing, error) {
	l, err := pgx.CollectExactlyOneRow(rows, scanListing)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Listing{}, fmt.Errorf("listing %s: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return entities.Listing{}, fmt.Errorf("scan listing %s: %w", id, err)
	}
	return l, nil
}

func scanListing(row pgx.CollectableRow) (entities.Listing, error) {
	var l entities.Listing
	err := row.Scan(&l.ID, &l.UserID, &l.Description, &l.AltText, &l.Price, &l.Photos, &l.CreatedAt)
	if l.Photos == nil {
		l.Photos = []string{}
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, err
}
