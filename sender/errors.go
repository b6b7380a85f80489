package sender

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

// FencedError is returned once a handler observes INVALID_PRODUCER_EPOCH.
// Per I5, once this error is observed the drive loop terminates and no
// further requests are made; the caller must re-initialise the producer
// with a new instance.
type FencedError struct {
	Cause error
}

func (e *FencedError) Error() string {
	return fmt.Sprintf("producer fenced, epoch superseded by a newer instance: %v", e.Cause)
}

func (e *FencedError) Unwrap() error { return e.Cause }

// FatalStateError wraps a broker response that leaves the transaction (or
// the producer id mapping) in a state the sender cannot recover from
// locally; it escapes the handler, the drive loop, and is cascaded to every
// pending batch.
type FatalStateError struct {
	Kind  string
	Cause error
}

func (e *FatalStateError) Error() string {
	return fmt.Sprintf("fatal transaction state (%s): %v", e.Kind, e.Cause)
}

func (e *FatalStateError) Unwrap() error { return e.Cause }

// ErrSenderClosed is the terminating error installed on any batch still
// pending when the drive loop exits without a more specific cause.
var ErrSenderClosed = errors.New("sender closed")

// errIsFenced reports whether err is or wraps INVALID_PRODUCER_EPOCH.
func errIsFenced(err error) bool {
	return errors.Is(err, kerr.InvalidProducerEpoch)
}

// asFatalState classifies the handful of broker errors that are
// fatal-but-not-fencing: invalid producer id mapping, invalid transaction
// state, and out-of-order sequence numbers. Returns nil if err does not
// match one of those kinds.
func asFatalState(err error) error {
	switch {
	case errors.Is(err, kerr.InvalidProducerIDMapping):
		return &FatalStateError{Kind: "invalid_producer_id_mapping", Cause: err}
	case errors.Is(err, kerr.InvalidTxnState):
		return &FatalStateError{Kind: "invalid_txn_state", Cause: err}
	case errors.Is(err, kerr.OutOfOrderSequenceNumber):
		return &FatalStateError{Kind: "out_of_order_sequence_number", Cause: err}
	default:
		return nil
	}
}

// normalizeUnknownTopicOrPartition guards against UnknownTopicOrPartition
// ever being compared or classified as a class rather than a concrete
// *kerr.Error instance. kerr.ErrorForCode always returns a concrete
// instance, so this is a defensive no-op, applied to every per-partition
// error code in produce.go and in the Add-Partitions-To-Txn and
// Txn-Offset-Commit handlers; see canRetry in produce.go for why this
// matters.
func normalizeUnknownTopicOrPartition(err error) error {
	if err == nil {
		return nil
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && ke.Code == kerr.UnknownTopicOrPartition.Code {
		return kerr.UnknownTopicOrPartition
	}
	return err
}
