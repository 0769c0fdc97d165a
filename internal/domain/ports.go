package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BusMessage is one delivery from the signal bus. Channel is the concrete
// channel the payload was published on, which matters for pattern
// subscriptions.
type BusMessage struct {
	Channel string
	Payload []byte
}

// SignalBus is the pub/sub fabric carrying outbound events from the core to
// the WebSocket hub (and any other interested process).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of deliveries. Glob-style patterns are
	// supported. The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan BusMessage, error)
}

// LockManager provides cross-process mutual exclusion keyed by string.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned function
	// releases the lock and is safe to call multiple times.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter enforces a sliding-window request limit per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ChargeRequest asks the payment gateway to capture a finalized amount.
// IdempotencyKey makes retries safe: the gateway must execute a given key at
// most once.
type ChargeRequest struct {
	IdempotencyKey string
	ExplorerID     string
	Amount         decimal.Decimal
	Description    string
}

// RefundRequest asks the payment gateway to reverse a prior charge.
type RefundRequest struct {
	IdempotencyKey string
	PaymentRef     string
	Amount         decimal.Decimal
}

// PaymentGateway is the external charge/refund executor. Its internals
// (card handling, settlement) are out of scope for this core.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (paymentRef string, err error)
	Refund(ctx context.Context, req RefundRequest) (refundRef string, err error)
}
