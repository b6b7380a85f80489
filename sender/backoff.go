package sender

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// concurrentTransactionsOverrideBackoff is the short retry delay used when
// Add-Partitions-To-Txn fails with CONCURRENT_TRANSACTIONS while enrolling
// the first partition of a transaction (§4.4). It bridges the broker's
// commit-to-marker-write window, which is normally much shorter than the
// default retry backoff.
const concurrentTransactionsOverrideBackoff = 20 * time.Millisecond

// Backoffer produces the retry delay used by the handler protocol's default
// backoff (transport failures, coordinator-busy, coordinator-unavailable
// responses). The transaction-enrolment override is not part of it; it is
// the fixed concurrentTransactionsOverrideBackoff above.
type Backoffer interface {
	// Default returns the backoff duration after the given number of
	// consecutive retries of the same request (0 on the first retry).
	Default(retry int) time.Duration
}

// exponentialBackoff is the default Backoffer, grounded on the
// cenkalti/backoff exponential policy capped to a sender-friendly range:
// fast enough that transient coordinator hiccups recover within a couple of
// seconds, slow enough to not hammer a genuinely down broker.
type exponentialBackoff struct {
	initial time.Duration
	max     time.Duration
}

// NewExponentialBackoff returns a Backoffer that grows geometrically from
// initial towards max.
func NewExponentialBackoff(initial, max time.Duration) Backoffer {
	return &exponentialBackoff{initial: initial, max: max}
}

// Default replays cenkalti/backoff's own NextBackOff computation retry+1
// times from a fresh policy instance, rather than caching one across calls,
// since callers pass an independently tracked retry count rather than
// advancing a shared cursor.
func (e *exponentialBackoff) Default(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up; the drive loop decides when to stop retrying
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

// sleepBackoff waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
