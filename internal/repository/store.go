package repository

import (
	"context"
	"errors"
	"time"
)

// Decision is the outcome of a fixed-window rate-limit check.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// RateStore persists fixed-window counters. Implementations must be
// concurrency-safe: the increment-and-compare for a key has to be atomic so
// two simultaneous checks cannot both take the last slot in a window.
type RateStore interface {
	// Hit applies one request against the window for key. The counter is
	// incremented only when the request is allowed; a denied hit leaves the
	// bucket untouched and reports how long until the window resets.
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Status is the lifecycle state of a topup session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusCredited   Status = "credited"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCredited || s == StatusFailed || s == StatusExpired
}

// Session is one deposit-to-credit lifecycle.
type Session struct {
	ID                    string
	Provider              string
	ProviderUserID        string
	DepositAddress        string
	AmountBaseUnits       string // exact token amount in smallest units, decimal string
	AmountUSD             float64
	TokenSymbol           string
	Chain                 string
	CreditsPerUSD         int64
	CreditsEstimated      int64
	CreditsCredited       int64
	Status                Status
	TxHash                string
	Confirmations         int
	RequiredConfirmations int
	CreatedAt             time.Time
	ConfirmedAt           time.Time
	CreditedAt            time.Time
}

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTxBound is returned when a transaction hash is already bound to a
	// different session, or the session is bound to a different hash.
	ErrTxBound = errors.New("transaction hash already bound")
	// ErrAmountInUse is returned by Create when another non-terminal session
	// for the same deposit address already expects the same exact amount.
	ErrAmountInUse = errors.New("amount already in use for deposit address")
)

// SessionStore persists topup sessions. Status moves only through CASStatus
// and MarkCredited so concurrent claims serialize on compare-and-set.
type SessionStore interface {
	// Create stores a new session. It fails with ErrAmountInUse when the
	// (depositAddress, amountBaseUnits) pair collides with a live session.
	Create(ctx context.Context, s *Session) error

	Get(ctx context.Context, id string) (*Session, error)

	// BindTx binds txHash to the session. Binding is first-writer-wins both
	// per session and globally per hash; a conflicting bind returns ErrTxBound.
	// Re-binding the same hash to the same session is a no-op.
	BindTx(ctx context.Context, id, txHash string) error

	SetConfirmations(ctx context.Context, id string, confirmations int) error

	// CASStatus transitions the session from one status to another and
	// reports whether the swap applied. Moving to StatusConfirmed records
	// the confirmation time.
	CASStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// MarkCredited performs the confirmed -> credited transition, recording
	// the credited amount and time. Returns false when the session is no
	// longer in StatusConfirmed.
	MarkCredited(ctx context.Context, id string, credits int64, at time.Time) (bool, error)
}
