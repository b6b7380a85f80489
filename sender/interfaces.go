package sender

import (
	"context"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Batch is an accumulator-held container of one or more records destined
// for a single partition. The sender holds only a transient handle to it
// for the duration of a produce attempt.
type Batch interface {
	// TopicPartition is the destination of every record in the batch.
	TopicPartition() TopicPartition
	// DataBuffer returns the already-serialized, already-compressed
	// record-batch bytes ready to be attached to a produce request.
	DataBuffer() []byte
	// Done marks every record in the batch as acknowledged at offset,
	// with timestamp (-1 if the broker response did not carry one).
	Done(offset int64, timestamp int64)
	// DoneNoAck marks every record in the batch as complete without an
	// offset, for acks=0 produces where no response is expected.
	DoneNoAck()
	// Failure marks every record in the batch as failed with err.
	Failure(err error)
	// Expired reports whether the batch has exceeded its delivery
	// deadline and should no longer be retried.
	Expired() bool
}

// NodeBatches maps a TopicPartition to the single batch drained for it on
// one node.
type NodeBatches map[TopicPartition]Batch

// Accumulator is the record accumulator the sender drains. It batches
// records, serializes them, and applies backpressure on the producer-facing
// API; those concerns are external to this package.
type Accumulator interface {
	// DrainByNodes takes a non-blocking snapshot of ready batches,
	// grouped by destination node, skipping nodes in ignoreNodes and
	// partitions in mutedPartitions. The second return reports whether
	// any ready partition currently has no known leader.
	DrainByNodes(ignoreNodes map[int32]bool, mutedPartitions map[TopicPartition]bool) (byNode map[int32]NodeBatches, unknownLeaders bool)
	// DataWaiter returns a channel that is closed (or sent to) when new
	// data arrives for a partition that is not muted.
	DataWaiter() <-chan struct{}
	// FlushForCommit blocks until every batch present in the
	// accumulator at call time has reached a terminal state, or ctx is
	// done.
	FlushForCommit(ctx context.Context) error
	// FailAll force-fails every batch currently pending in the
	// accumulator, including ones not yet drained.
	FailAll(err error)
	// Reenqueue returns a batch to the head of the accumulator's queue
	// for its partition, preserving send order.
	Reenqueue(tp TopicPartition, b Batch)
}

// BrokerClient is the low-level broker connection pool, metadata cache, and
// node-readiness prober this package dispatches requests through.
type BrokerClient interface {
	// Send issues req to nodeID over the named connection group and
	// returns the parsed response, or a transport/protocol error. A
	// returned error may additionally satisfy InvalidMetadata() bool.
	Send(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error)
	// Ready probes connectivity to nodeID within group.
	Ready(ctx context.Context, nodeID int32, group ConnGroup) bool
	// CoordinatorLookup finds the broker node id currently hosting the
	// coordinator for role/key.
	CoordinatorLookup(ctx context.Context, role CoordinatorRole, key string) (int32, error)
	// ForceMetadataUpdate requests an out-of-band metadata refresh.
	ForceMetadataUpdate()
	// WaitMetadataStable returns a channel that resolves once the next
	// metadata refresh completes.
	WaitMetadataStable() <-chan struct{}
	// RandomNode returns the id of any node currently believed usable.
	RandomNode() (int32, error)
	// APIVersions is the negotiated broker API version, used to select
	// the produce request's wire version.
	APIVersions() APIVersion
}

// TransportError is implemented by BrokerClient errors that can mark the
// client's metadata cache stale, triggering a refresh.
type TransportError interface {
	error
	InvalidMetadata() bool
}

// TransactionManager is the query/signal surface the transaction-state
// machine exposes to the sender. Its internal state (pending enrolment,
// pending offset commits, transaction finalisation, emptiness) is opaque to
// the sender; the sender only ever reads it through this interface and
// mutates it through the signal methods.
type TransactionManager interface {
	// PendingEnrolment is the set of TopicPartitions produced to in the
	// current transaction but not yet confirmed enrolled.
	PendingEnrolment() map[TopicPartition]bool
	// PendingGroupEnrolment returns the consumer-group id pending
	// association with the transaction, if any.
	PendingGroupEnrolment() (group string, ok bool)
	// PendingOffsetCommit returns the offsets queued for
	// Txn-Offset-Commit, if any.
	PendingOffsetCommit() (offsets map[TopicPartition]OffsetAndMetadata, group string, ok bool)
	// PendingFinalisation returns the decided commit/abort outcome, if
	// the caller has asked to end the transaction.
	PendingFinalisation() (kind TxnEndKind, ok bool)
	// IsEmptyTransaction reports whether no produce has occurred since
	// the transaction began.
	IsEmptyTransaction() bool
	// HasEnrolledPartitions reports whether at least one partition has
	// been successfully added to the current transaction via
	// Add-Partitions-To-Txn. Used to decide whether a
	// CONCURRENT_TRANSACTIONS response is enrolling the very first
	// partition of a fresh transaction (§4.4's short override backoff)
	// or a later partition of a transaction that already has others
	// enrolled (default backoff).
	HasEnrolledPartitions() bool
	// HasPID reports whether a producer id/epoch has been set.
	HasPID() bool
	// ProducerID returns the current producer id and epoch. Only valid
	// when HasPID reports true.
	ProducerID() (id int64, epoch int16)
	// TransactionalID returns the configured transactional id, if any.
	TransactionalID() (id string, ok bool)
	// TransactionTimeoutMillis is passed to Init-PID.
	TransactionTimeoutMillis() int32

	// SetPIDAndEpoch records a successful Init-PID.
	SetPIDAndEpoch(id int64, epoch int16)
	// PartitionAdded moves tp from pending enrolment to enrolled.
	PartitionAdded(tp TopicPartition)
	// ConsumerGroupAdded records a successful Add-Offsets-To-Txn.
	ConsumerGroupAdded(group string)
	// OffsetCommitted records a successful per-partition
	// Txn-Offset-Commit.
	OffsetCommitted(tp TopicPartition, offset int64, group string)
	// CompleteTransaction clears all pending transaction state, used
	// both after a successful End-Txn and for empty-transaction
	// shortcuts.
	CompleteTransaction()

	// TaskWaiter returns a channel that resolves when any of the above
	// queries would return a different answer.
	TaskWaiter() <-chan struct{}
}
