package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

// SaveReviewComment inserts a new comment, or updates an existing one's
// status/addressedAt on conflict (the only fields injectPending ever
// mutates after creation).
func (s *Store) SaveReviewComment(ctx context.Context, c loop.ReviewComment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO review_comments
			(id, loop_id, review_cycle, text, status, created_at, addressed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, addressed_at=excluded.addressed_at`,
		c.ID, c.LoopID, c.ReviewCycle, c.Text, string(c.Status), c.CreatedAt, c.AddressedAt)
	if err != nil {
		return fmt.Errorf("saving review comment %s: %w", c.ID, err)
	}
	return nil
}

func scanReviewComment(row interface{ Scan(dest ...any) error }) (loop.ReviewComment, error) {
	var c loop.ReviewComment
	var status string
	var addressedAt sql.NullTime
	err := row.Scan(&c.ID, &c.LoopID, &c.ReviewCycle, &c.Text, &status, &c.CreatedAt, &addressedAt)
	if err != nil {
		return loop.ReviewComment{}, err
	}
	c.Status = loop.ReviewCommentStatus(status)
	if addressedAt.Valid {
		c.AddressedAt = &addressedAt.Time
	}
	return c, nil
}

// ListReviewComments returns every comment raised against a loop, ordered
// by reviewCycle then createdAt, so the engine can replay them in the
// order they were opened.
func (s *Store) ListReviewComments(ctx context.Context, loopID string) ([]loop.ReviewComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loop_id, review_cycle, text, status, created_at, addressed_at
			FROM review_comments WHERE loop_id = ? ORDER BY review_cycle ASC, created_at ASC`, loopID)
	if err != nil {
		return nil, fmt.Errorf("listing review comments for loop %s: %w", loopID, err)
	}
	defer rows.Close()

	var out []loop.ReviewComment
	for rows.Next() {
		c, err := scanReviewComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPendingReviewComments returns only the unaddressed comments for a
// loop, the set injectPending folds into the next iteration's prompt.
func (s *Store) ListPendingReviewComments(ctx context.Context, loopID string) ([]loop.ReviewComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loop_id, review_cycle, text, status, created_at, addressed_at
			FROM review_comments WHERE loop_id = ? AND status = ? ORDER BY review_cycle ASC, created_at ASC`,
		loopID, string(loop.ReviewCommentPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending review comments for loop %s: %w", loopID, err)
	}
	defer rows.Close()

	var out []loop.ReviewComment
	for rows.Next() {
		c, err := scanReviewComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkReviewCommentAddressed flips a comment to addressed and stamps
// addressedAt, or returns ErrNotFound if no such comment exists.
func (s *Store) MarkReviewCommentAddressed(ctx context.Context, id string) error {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE review_comments SET status = ?, addressed_at = ? WHERE id = ?",
		string(loop.ReviewCommentAddressed), now, id)
	if err != nil {
		return fmt.Errorf("marking review comment %s addressed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
