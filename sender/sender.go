package sender

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// nowFn is indirected so tests can make linger deterministic.
var nowFn = time.Now

// Config carries the sender's tunables. Everything else — batching policy,
// the wire codec, connection pooling, and the producer's user-facing
// configuration surface — belongs to the accumulator and broker client the
// caller supplies to New.
type Config struct {
	// Idempotent enables producer-id-keyed idempotence without a
	// transactional id.
	Idempotent bool
	// Transactional enables full transaction coordination. Implies
	// Idempotent.
	Transactional bool
	// RequiredAcks is the produce request's acks field: 1 or -1 (all
	// in-sync replicas). New treats zero as unset and replaces it with
	// -1, so a Sender built by New never sends acks=0.
	RequiredAcks int16
	// RequestTimeout is the broker-side deadline passed as timeout_ms on
	// every produce request.
	RequestTimeout time.Duration
	// Linger is the delay a produce task waits out after completing
	// faster than this, to let more records for the same node coalesce
	// before the next dispatch (§4.8 "Post-handler").
	Linger time.Duration
	// MaxInFlightRequests bounds how many produce requests may be
	// outstanding across all nodes at once, independent of the
	// per-node in-flight-node bookkeeping the drive loop already does.
	// Zero means 5, matching the broker-side default of five
	// in-flight requests a connection will pipeline before the next
	// one blocks.
	MaxInFlightRequests int64
}

// Option customizes a Sender at construction time.
type Option func(*Sender)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Sender) { s.logger = logOrNop(l) }
}

// WithMetrics attaches a Metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// WithBackoff overrides the default exponential backoff policy.
func WithBackoff(b Backoffer) Option {
	return func(s *Sender) { s.backoff = b }
}

// Sender is the single owner of the background delivery and transaction
// coordination task described in §4.9. All of its mutable state —
// Coordinator Cache, In-flight Set, Muted-Partition Set — is touched only
// from the goroutine running Run and from handlers it spawns while Run is
// parked at its composite wait; see §5.
type Sender struct {
	cl     BrokerClient
	acc    Accumulator
	txnMgr TransactionManager

	cfg     Config
	logger  Logger
	metrics *Metrics
	backoff Backoffer

	coord *coordinatorCache
	sem   *semaphore.Weighted

	mu              sync.Mutex
	inFlightNodes   map[int32]bool
	mutedPartitions map[TopicPartition]bool

	initPID       *initPIDHandler
	addPartitions *addPartitionsHandler
	addOffsets    *addOffsetsHandler
	offsetCommit  *offsetCommitHandler
	endTxn        *endTxnHandler
}

// New constructs a Sender. cl, acc, and txnMgr are the external
// collaborators described in §6; the sender never constructs them.
func New(cl BrokerClient, acc Accumulator, txnMgr TransactionManager, cfg Config, opts ...Option) *Sender {
	if cfg.Transactional {
		cfg.Idempotent = true
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = -1
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxInFlightRequests == 0 {
		cfg.MaxInFlightRequests = 5
	}

	s := &Sender{
		cl:              cl,
		acc:             acc,
		txnMgr:          txnMgr,
		cfg:             cfg,
		logger:          nopLogger{},
		backoff:         NewExponentialBackoff(100*time.Millisecond, 1*time.Second),
		inFlightNodes:   make(map[int32]bool),
		mutedPartitions: make(map[TopicPartition]bool),
		sem:             semaphore.NewWeighted(cfg.MaxInFlightRequests),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coord = newCoordinatorCache(cl, s.backoff, s.logger)
	s.initPID = newInitPIDHandler(s)
	s.addPartitions = newAddPartitionsHandler(s)
	s.addOffsets = newAddOffsetsHandler(s)
	s.offsetCommit = newOffsetCommitHandler(s)
	s.endTxn = newEndTxnHandler(s)
	return s
}

func (s *Sender) snapshotInFlight() map[int32]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]bool, len(s.inFlightNodes))
	for k := range s.inFlightNodes {
		out[k] = true
	}
	return out
}

func (s *Sender) snapshotMuted() map[TopicPartition]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TopicPartition]bool, len(s.mutedPartitions))
	for k := range s.mutedPartitions {
		out[k] = true
	}
	return out
}

func (s *Sender) muteForInFlight(nodeID int32, parts map[TopicPartition]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlightNodes[nodeID] = true
	for tp := range parts {
		s.mutedPartitions[tp] = true
	}
	s.metrics.setInFlightNodes(len(s.inFlightNodes))
	s.metrics.setMutedPartitions(len(s.mutedPartitions))
}

func (s *Sender) unmute(nodeID int32, parts map[TopicPartition]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlightNodes, nodeID)
	for tp := range parts {
		delete(s.mutedPartitions, tp)
	}
	s.metrics.setInFlightNodes(len(s.inFlightNodes))
	s.metrics.setMutedPartitions(len(s.mutedPartitions))
}
