package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ndorokhov/pointmarket/internal/model"
)

const listingColumns = `id, owner_id, kind, title, description, category,
	price_per_unit, unit, available, image_key, status, created_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	err := row.Scan(&l.ID, &l.OwnerID, &l.Kind, &l.Title, &l.Description, &l.Category,
		&l.PricePerUnit, &l.Unit, &l.Available, &l.ImageKey, &l.Status, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateListing сохраняет новое объявление и возвращает его идентификатор.
func (r *PostgresRepository) CreateListing(ctx context.Context, l model.Listing) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO listings (owner_id, kind, title, description, category, price_per_unit, unit, available, image_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		l.OwnerID, string(l.Kind), l.Title, l.Description, l.Category,
		l.PricePerUnit, l.Unit, l.Available, l.ImageKey,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert listing: %w", err)
	}
	return id, nil
}

// GetListing возвращает объявление по идентификатору.
func (r *PostgresRepository) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// GetFeed возвращает активные объявления, новые первыми.
func (r *PostgresRepository) GetFeed(ctx context.Context, limit int) ([]model.Listing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE status = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(model.ListingActive), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select feed: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return listings, nil
}

// UpdateListingStatus переводит объявление в новый статус.
func (r *PostgresRepository) UpdateListingStatus(ctx context.Context, id int64, status model.ListingStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE listings SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}
