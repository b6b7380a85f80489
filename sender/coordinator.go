package sender

import (
	"context"
	"sync"
)

// coordinatorCache maps a coordination role to the currently believed
// broker node id. It holds at most one entry per role.
//
// It is read and written exclusively by the drive loop and by handlers
// running serially from the drive loop's spawned tasks (§4.1), so the mutex
// here exists only to make the type safe to unit test concurrently; under
// the real drive loop there is never simultaneous mutation.
type coordinatorCache struct {
	mu      sync.Mutex
	entries map[CoordinatorRole]int32

	cl      BrokerClient
	backoff Backoffer
	logger  Logger
}

func newCoordinatorCache(cl BrokerClient, b Backoffer, logger Logger) *coordinatorCache {
	return &coordinatorCache{
		entries: make(map[CoordinatorRole]int32),
		cl:      cl,
		backoff: b,
		logger:  logOrNop(logger),
	}
}

func (c *coordinatorCache) get(role CoordinatorRole) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[role]
	return id, ok
}

func (c *coordinatorCache) set(role CoordinatorRole, id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[role] = id
}

// markDead removes the cached entry for role, if any. Idempotent.
func (c *coordinatorCache) markDead(role CoordinatorRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, role)
}

// lookup returns the cached node id for role/key if present; otherwise it
// issues a coordinator-lookup request to any usable broker and, on success,
// probes connectivity. On any failure it waits the default backoff and
// retries indefinitely, populating the cache on the first successful probe.
//
// lookup only returns early (with a context error) if ctx is canceled; the
// retry loop itself never gives up on its own.
func (c *coordinatorCache) lookup(ctx context.Context, role CoordinatorRole, key string) (int32, error) {
	if id, ok := c.get(role); ok {
		return id, nil
	}

	var tries int
	for {
		id, err := c.cl.CoordinatorLookup(ctx, role, key)
		if err == nil {
			if c.cl.Ready(ctx, id, ConnGroupCoordination) {
				c.set(role, id)
				return id, nil
			}
			err = errCoordinatorUnreachable{role: role, node: id}
		}

		c.logger.Log(LogLevelWarn, "coordinator lookup failed, retrying",
			"role", role.String(), "key", key, "err", err, "tries", tries)

		if sleepErr := sleepBackoff(ctx, c.backoff.Default(tries)); sleepErr != nil {
			return 0, sleepErr
		}
		tries++
	}
}

type errCoordinatorUnreachable struct {
	role CoordinatorRole
	node int32
}

func (e errCoordinatorUnreachable) Error() string {
	return "coordinator node not ready for " + e.role.String() + " role"
}
