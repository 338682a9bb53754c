package greeting

import (
	"time"

	"github.com/google/uuid"
)

// Delivery status constants
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DefaultTemplate is used when a greeting carries no card reference.
const DefaultTemplate = "general"

// Card identifies a named message template category. Cards are seeded once
// at setup time and never mutated or deleted at runtime.
type Card struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Template    string    `json:"template"`
	CreatedAt   time.Time `json:"created_at"`
}

// Greeting is the core persisted entity: an immutable user-submitted message
// plus recipient email and creation timestamp. Once created it is never
// updated or deleted.
type Greeting struct {
	ID        int64     `json:"id"`
	CardID    *int64    `json:"greeting_card"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery tracks the outcome of the notification send for one greeting.
// A row is created pending in the same transaction as its greeting; the
// dispatcher moves it to delivered, or back to pending with a scheduled
// retry, or to terminal failed once attempts are exhausted.
type Delivery struct {
	ID            uuid.UUID  `json:"id"`
	GreetingID    int64      `json:"greeting_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	SentAt        *time.Time `json:"sent_at"`
	CreatedAt     time.Time  `json:"created_at"`

	// Denormalized greeting fields carried along for rendering, so workers
	// never re-read the greeting row.
	Title    string `json:"-"`
	Message  string `json:"-"`
	Email    string `json:"-"`
	Template string `json:"-"`
}
