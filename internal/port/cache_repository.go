package port

import "context"

type IdempotencyRepository interface {
	// SetIdempotency claims a key, returns false if already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// CompleteIdempotency records the checkout a claimed key produced
	CompleteIdempotency(ctx context.Context, key, checkoutID string) error

	// LookupIdempotency returns the checkout recorded for key, "" while it is still in flight.
	// found is false once the key no longer exists, e.g. after it expired.
	LookupIdempotency(ctx context.Context, key string) (checkoutID string, found bool, err error)

	// ReleaseIdempotency drops a key that never completed
	ReleaseIdempotency(ctx context.Context, key string) error
}
