package greeting

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// foreignKeyViolation is the PostgreSQL error code for a dangling reference.
const foreignKeyViolation = "23503"

// Store provides database operations for greetings, cards, and the
// delivery queue.
type Store struct {
	db *sql.DB
}

// NewStore creates a new greeting store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateGreeting durably inserts a greeting together with its pending
// delivery row in a single transaction, so a client-visible 201 implies both
// the record and its queued send exist. A dangling card reference surfaces
// as a ValidationError, not a storage error.
func (s *Store) CreateGreeting(ctx context.Context, g *Greeting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO greetings (card_id, title, message, email, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, g.CardID, g.Title, g.Message, g.Email).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == foreignKeyViolation {
			return validationErrorf("invalid greeting: unknown greeting_card %d", *g.CardID)
		}
		return fmt.Errorf("insert greeting: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO greeting_deliveries (id, greeting_id, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
	`, uuid.New(), g.ID, DeliveryPending)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}

	return tx.Commit()
}

// GetGreeting retrieves a greeting by ID. Returns (nil, nil) when no such
// record exists.
func (s *Store) GetGreeting(ctx context.Context, id int64) (*Greeting, error) {
	g := &Greeting{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, card_id, title, message, email, created_at
		FROM greetings WHERE id = $1
	`, id).Scan(&g.ID, &g.CardID, &g.Title, &g.Message, &g.Email, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListGreetingIDs returns the IDs of all stored greetings. Unbounded: the
// read API builds self links from these at small scale.
func (s *Store) ListGreetingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM greetings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountGreetings returns the total number of stored greetings.
func (s *Store) CountGreetings(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM greetings`).Scan(&n)
	return n, err
}

// GetCard retrieves a greeting card by ID. Returns (nil, nil) when no such
// card exists.
func (s *Store) GetCard(ctx context.Context, id int64) (*Card, error) {
	c := &Card{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, template, created_at
		FROM greeting_cards WHERE id = $1
	`, id).Scan(&c.ID, &c.Description, &c.Template, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListCards returns all greeting cards.
func (s *Store) ListCards(ctx context.Context) ([]*Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, template, created_at
		FROM greeting_cards ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*Card
	for rows.Next() {
		c := &Card{}
		if err := rows.Scan(&c.ID, &c.Description, &c.Template, &c.CreatedAt); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// SeedCards inserts the given cards, skipping any whose template already
// exists. Safe to run repeatedly.
func (s *Store) SeedCards(ctx context.Context, cards []Card) error {
	for _, c := range cards {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO greeting_cards (description, template, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (template) DO NOTHING
		`, c.Description, c.Template)
		if err != nil {
			return fmt.Errorf("seed card %q: %w", c.Template, err)
		}
	}
	return nil
}

// ClaimDeliveries atomically claims up to limit due pending deliveries for
// sending. Claimed rows are locked with SKIP LOCKED so concurrent pollers
// never double-send, and their next_attempt_at is pushed out so a crashed
// worker's claim eventually becomes due again.
func (s *Store) ClaimDeliveries(ctx context.Context, limit int, leaseFor time.Duration) ([]*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id, d.greeting_id, d.status, d.attempts,
		       g.title, g.message, g.email, COALESCE(c.template, $3)
		FROM greeting_deliveries d
		JOIN greetings g ON g.id = d.greeting_id
		LEFT JOIN greeting_cards c ON c.id = g.card_id
		WHERE d.status = $1 AND d.next_attempt_at <= NOW()
		ORDER BY d.next_attempt_at
		LIMIT $2
		FOR UPDATE OF d SKIP LOCKED
	`, DeliveryPending, limit, DefaultTemplate)
	if err != nil {
		return nil, err
	}

	var claimed []*Delivery
	for rows.Next() {
		d := &Delivery{}
		if err := rows.Scan(&d.ID, &d.GreetingID, &d.Status, &d.Attempts,
			&d.Title, &d.Message, &d.Email, &d.Template); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range claimed {
		_, err := tx.ExecContext(ctx, `
			UPDATE greeting_deliveries SET next_attempt_at = NOW() + ($2 * interval '1 second')
			WHERE id = $1
		`, d.ID, int(leaseFor.Seconds()))
		if err != nil {
			return nil, err
		}
	}

	return claimed, tx.Commit()
}

// MarkDelivered records a successful send.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE greeting_deliveries SET status = $2, sent_at = NOW(), last_error = ''
		WHERE id = $1
	`, id, DeliveryDelivered)
	return err
}

// MarkFailed records a failed send attempt. Until maxAttempts is reached the
// delivery goes back to pending with exponential backoff; after that it is
// terminal failed.
func (s *Store) MarkFailed(ctx context.Context, d *Delivery, sendErr error, maxAttempts int, backoff time.Duration) error {
	attempt := d.Attempts + 1
	status := DeliveryPending
	if attempt >= maxAttempts {
		status = DeliveryFailed
	}
	delay := time.Duration(math.Pow(2, float64(d.Attempts))) * backoff

	_, err := s.db.ExecContext(ctx, `
		UPDATE greeting_deliveries
		SET status = $2, attempts = $3, last_error = $4,
		    next_attempt_at = NOW() + ($5 * interval '1 second')
		WHERE id = $1
	`, d.ID, status, attempt, sendErr.Error(), int(delay.Seconds()))
	return err
}
