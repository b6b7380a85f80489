package sender

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// fakeBatch is a minimal in-memory Batch used by every handler test in this
// package.
type fakeBatch struct {
	tp    TopicPartition
	data  []byte
	mu    sync.Mutex
	state string // "", "done", "noack", "failed"
	offset, ts int64
	err   error
	expired bool
}

func newFakeBatch(tp TopicPartition) *fakeBatch { return &fakeBatch{tp: tp, data: []byte("payload")} }

func (b *fakeBatch) TopicPartition() TopicPartition { return b.tp }
func (b *fakeBatch) DataBuffer() []byte             { return b.data }

func (b *fakeBatch) Done(offset, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.offset, b.ts = "done", offset, ts
}

func (b *fakeBatch) DoneNoAck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = "noack"
}

func (b *fakeBatch) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.err = "failed", err
}

func (b *fakeBatch) Expired() bool { return b.expired }

func (b *fakeBatch) snapshot() (state string, offset, ts int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.offset, b.ts, b.err
}

// fakeBrokerClient is a scriptable BrokerClient: each test wires the
// response(s) it expects via the send field.
type fakeBrokerClient struct {
	mu sync.Mutex

	version APIVersion

	// send is invoked for every outbound request; tests close over the
	// expected request kind to return the right response.
	send func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error)

	coordLookups []CoordinatorRole
	coordNode    int32
	coordErr     error
	ready        bool

	metaRefreshed int
	metaStableCh  chan struct{}
}

func newFakeBrokerClient() *fakeBrokerClient {
	return &fakeBrokerClient{
		version:      APIVersion{Major: 2, Minor: 8},
		ready:        true,
		coordNode:    1,
		metaStableCh: closedChan(),
	}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (f *fakeBrokerClient) Send(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
	return f.send(ctx, nodeID, req, group)
}

func (f *fakeBrokerClient) Ready(ctx context.Context, nodeID int32, group ConnGroup) bool { return f.ready }

func (f *fakeBrokerClient) CoordinatorLookup(ctx context.Context, role CoordinatorRole, key string) (int32, error) {
	f.mu.Lock()
	f.coordLookups = append(f.coordLookups, role)
	f.mu.Unlock()
	return f.coordNode, f.coordErr
}

func (f *fakeBrokerClient) ForceMetadataUpdate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaRefreshed++
}

func (f *fakeBrokerClient) WaitMetadataStable() <-chan struct{} { return f.metaStableCh }

func (f *fakeBrokerClient) RandomNode() (int32, error) { return 1, nil }

func (f *fakeBrokerClient) APIVersions() APIVersion { return f.version }

// fakeAccumulator is a minimal Accumulator: DrainByNodes always returns
// empty (tests drive handlers directly), Reenqueue/FailAll just record.
type fakeAccumulator struct {
	mu          sync.Mutex
	reenqueued  []TopicPartition
	failedWith  error
	flushErr    error
	dataWaiter  chan struct{}
}

func newFakeAccumulator() *fakeAccumulator {
	return &fakeAccumulator{dataWaiter: make(chan struct{})}
}

func (a *fakeAccumulator) DrainByNodes(ignore map[int32]bool, muted map[TopicPartition]bool) (map[int32]NodeBatches, bool) {
	return nil, false
}

func (a *fakeAccumulator) DataWaiter() <-chan struct{} { return a.dataWaiter }

func (a *fakeAccumulator) FlushForCommit(ctx context.Context) error { return a.flushErr }

func (a *fakeAccumulator) FailAll(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedWith = err
}

func (a *fakeAccumulator) Reenqueue(tp TopicPartition, b Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reenqueued = append(a.reenqueued, tp)
}

// fakeTxnManager is an in-memory TransactionManager driven directly by
// tests through its exported fields.
type fakeTxnManager struct {
	mu sync.Mutex

	txnID  string
	hasTxn bool

	timeoutMs int32

	pid      int64
	epoch    int16
	hasPID   bool

	pendingEnrolment map[TopicPartition]bool
	enrolled         map[TopicPartition]bool

	pendingGroup string
	hasGroup     bool

	pendingOffsets map[TopicPartition]OffsetAndMetadata
	offsetGroup    string
	hasOffsets     bool

	finalise   TxnEndKind
	hasFinal   bool
	isEmpty    bool

	taskWaiter chan struct{}
}

func newFakeTxnManager() *fakeTxnManager {
	return &fakeTxnManager{
		pendingEnrolment: map[TopicPartition]bool{},
		enrolled:         map[TopicPartition]bool{},
		pendingOffsets:   map[TopicPartition]OffsetAndMetadata{},
		taskWaiter:       make(chan struct{}),
	}
}

func (m *fakeTxnManager) PendingEnrolment() map[TopicPartition]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TopicPartition]bool, len(m.pendingEnrolment))
	for k := range m.pendingEnrolment {
		out[k] = true
	}
	return out
}

func (m *fakeTxnManager) PendingGroupEnrolment() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingGroup, m.hasGroup
}

func (m *fakeTxnManager) PendingOffsetCommit() (map[TopicPartition]OffsetAndMetadata, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TopicPartition]OffsetAndMetadata, len(m.pendingOffsets))
	for k, v := range m.pendingOffsets {
		out[k] = v
	}
	return out, m.offsetGroup, m.hasOffsets
}

func (m *fakeTxnManager) PendingFinalisation() (TxnEndKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalise, m.hasFinal
}

func (m *fakeTxnManager) IsEmptyTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isEmpty
}

func (m *fakeTxnManager) HasEnrolledPartitions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enrolled) > 0
}

func (m *fakeTxnManager) HasPID() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPID
}

func (m *fakeTxnManager) ProducerID() (int64, int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid, m.epoch
}

func (m *fakeTxnManager) TransactionalID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txnID, m.hasTxn
}

func (m *fakeTxnManager) TransactionTimeoutMillis() int32 { return m.timeoutMs }

func (m *fakeTxnManager) SetPIDAndEpoch(id int64, epoch int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid, m.epoch, m.hasPID = id, epoch, true
}

func (m *fakeTxnManager) PartitionAdded(tp TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingEnrolment, tp)
	m.enrolled[tp] = true
}

func (m *fakeTxnManager) ConsumerGroupAdded(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasGroup = false
}

func (m *fakeTxnManager) OffsetCommitted(tp TopicPartition, offset int64, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingOffsets, tp)
	if len(m.pendingOffsets) == 0 {
		m.hasOffsets = false
	}
}

func (m *fakeTxnManager) CompleteTransaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasFinal = false
	m.isEmpty = true
	m.enrolled = map[TopicPartition]bool{}
}

func (m *fakeTxnManager) TaskWaiter() <-chan struct{} { return m.taskWaiter }

// testLogger discards everything but satisfies the Logger interface.
type testLogger struct{}

func (testLogger) Level() LogLevel                      { return LogLevelDebug }
func (testLogger) Log(LogLevel, string, ...interface{}) {}

// testBackoff returns fixed, tiny durations so retry tests run fast while
// still exercising the real sleep path.
type testBackoff struct{ d time.Duration }

func (b testBackoff) Default(retry int) time.Duration { return b.d }
