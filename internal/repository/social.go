package repository

import (
	"context"
	"fmt"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// CreateComment сохраняет комментарий под объявлением.
func (r *PostgresRepository) CreateComment(ctx context.Context, c model.Comment) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO comments (listing_id, author_id, body) VALUES ($1, $2, $3) RETURNING id`,
		c.ListingID, c.AuthorID, c.Body,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	return id, nil
}

// GetComments возвращает комментарии объявления в порядке создания.
func (r *PostgresRepository) GetComments(ctx context.Context, listingID int64) ([]model.Comment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, listing_id, author_id, body, created_at
		 FROM comments
		 WHERE listing_id = $1
		 ORDER BY created_at`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("select comments: %w", err)
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.ListingID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return comments, nil
}

// CreateFlag сохраняет жалобу пользователя на объявление.
func (r *PostgresRepository) CreateFlag(ctx context.Context, f model.Flag) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO flags (listing_id, reporter_id, reason) VALUES ($1, $2, $3) RETURNING id`,
		f.ListingID, f.ReporterID, f.Reason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert flag: %w", err)
	}
	return id, nil
}

// GetOpenFlags возвращает нерассмотренные жалобы, старые первыми.
func (r *PostgresRepository) GetOpenFlags(ctx context.Context) ([]model.Flag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, listing_id, reporter_id, reason, status, resolved_by, created_at
		 FROM flags
		 WHERE status = $1
		 ORDER BY created_at`,
		string(model.FlagOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("select flags: %w", err)
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var f model.Flag
		if err := rows.Scan(&f.ID, &f.ListingID, &f.ReporterID, &f.Reason, &f.Status, &f.ResolvedBy, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return flags, nil
}

// ResolveFlag закрывает жалобу решением модератора.
func (r *PostgresRepository) ResolveFlag(ctx context.Context, flagID, staffID int64, status model.FlagStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE flags SET status = $1, resolved_by = $2 WHERE id = $3 AND status = $4`,
		string(status), staffID, flagID, string(model.FlagOpen),
	)
	if err != nil {
		return fmt.Errorf("resolve flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlagNotFound
	}
	return nil
}
