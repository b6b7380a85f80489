package sender

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Every single-shot broker interaction in this package follows the same
// envelope (§4.2): build a request from immutable inputs plus the current
// producer identity / transaction manager snapshot, send it over a named
// connection group, and classify the response into one of:
//
//   - success: commit the side effect, report done.
//   - retriable: sleep a backoff, report not-done so the drive loop
//     re-invokes the handler.
//   - fatal: return an error that bubbles out of the drive loop unchanged.
//
// sendOrBackoff and classifyCoordinatorErr below are the two pieces shared
// by every handler in this file's siblings; each handler still owns its own
// success-path side effects and any response fields classifyCoordinatorErr
// does not know about (e.g. per-partition produce error codes).

// sendOrBackoff issues req to nodeID over group. On transport failure, it
// logs, triggers a metadata refresh if the error marks one necessary,
// sleeps backoff, and returns ok=false so the caller reports "not done".
func sendOrBackoff(
	ctx context.Context,
	cl BrokerClient,
	nodeID int32,
	req kmsg.Request,
	group ConnGroup,
	backoff time.Duration,
	logger Logger,
	handlerName string,
) (resp kmsg.Response, ok bool) {
	resp, err := cl.Send(ctx, nodeID, req, group)
	if err != nil {
		logger.Log(LogLevelWarn, "transport failure dispatching request",
			"handler", handlerName, "node", nodeID, "err", err)
		if te, isTE := err.(TransportError); isTE && te.InvalidMetadata() {
			cl.ForceMetadataUpdate()
		}
		_ = sleepBackoff(ctx, backoff)
		return nil, false
	}
	return resp, true
}

// commonOutcome is the result of classifying a coordinator-facing error
// against the taxonomy shared by Init-PID, Add-Partitions-To-Txn,
// Add-Offsets-To-Txn, Txn-Offset-Commit, and End-Txn (§4.3-§4.7, §7).
type commonOutcome struct {
	// markDead is true if role's Coordinator Cache entry should be
	// evicted before retrying.
	markDead bool
	role     CoordinatorRole
	// backoff is the delay to apply before the caller reports not-done.
	// Zero means retry immediately (used only for the success case,
	// where the caller never consults backoff).
	backoff time.Duration
	// fatal is non-nil if the error must escape the handler unchanged.
	fatal error
	// success is true if err was nil.
	success bool
}

// classifyCoordinatorErr applies the error-to-action table shared by every
// coordinator-facing handler. firstPartitionOfEmptyTxn only matters for
// Add-Partitions-To-Txn's CONCURRENT_TRANSACTIONS override (§4.4); pass
// false from every other handler.
func classifyCoordinatorErr(
	err error,
	role CoordinatorRole,
	firstPartitionOfEmptyTxn bool,
	b Backoffer,
	retry int,
) commonOutcome {
	if err == nil {
		return commonOutcome{success: true}
	}

	switch {
	case errors.Is(err, kerr.CoordinatorNotAvailable), errors.Is(err, kerr.NotCoordinator):
		return commonOutcome{markDead: true, role: role, backoff: b.Default(retry)}

	case role == RoleGroup && errors.Is(err, kerr.RequestTimedOut):
		// request-timed-out is treated as a coordinator-dead signal
		// only for the GROUP role (§4.6(a)); for any other role a
		// REQUEST_TIMED_OUT error code falls through to the fatal
		// default below.
		return commonOutcome{markDead: true, role: role, backoff: b.Default(retry)}

	case errors.Is(err, kerr.ConcurrentTransactions):
		d := b.Default(retry)
		if firstPartitionOfEmptyTxn {
			d = concurrentTransactionsOverrideBackoff
		}
		return commonOutcome{backoff: d}

	case errors.Is(err, kerr.CoordinatorLoadInProgress), errors.Is(err, kerr.UnknownTopicOrPartition):
		return commonOutcome{backoff: b.Default(retry)}

	case errIsFenced(err):
		return commonOutcome{fatal: &FencedError{Cause: err}}

	default:
		if fe := asFatalState(err); fe != nil {
			return commonOutcome{fatal: fe}
		}
		return commonOutcome{fatal: err}
	}
}
