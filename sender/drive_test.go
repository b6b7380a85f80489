package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// scriptedAccumulator hands out a fixed set of node batches exactly once,
// then reports nothing ready and parks DataWaiter forever (until the test
// closes it), mimicking an accumulator that has gone idle.
type scriptedAccumulator struct {
	fakeAccumulator
	mu      sync.Mutex
	drained bool
	batches map[int32]NodeBatches
}

func newScriptedAccumulator(batches map[int32]NodeBatches) *scriptedAccumulator {
	return &scriptedAccumulator{
		fakeAccumulator: fakeAccumulator{dataWaiter: make(chan struct{})},
		batches:         batches,
	}
}

func (s *scriptedAccumulator) DrainByNodes(ignore map[int32]bool, muted map[TopicPartition]bool) (map[int32]NodeBatches, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return nil, false
	}
	s.drained = true
	return s.batches, false
}

func TestRun_NonIdempotentProducesThenShutsDownOnCancel(t *testing.T) {
	tp := TopicPartition{Topic: "orders", Partition: 0}
	b := newFakeBatch(tp)
	acc := newScriptedAccumulator(map[int32]NodeBatches{1: {tp: b}})

	cl := newFakeBrokerClient()
	cl.send = func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
		return produceResponseOK(req, 5), nil
	}

	mgr := newFakeTxnManager()
	s := New(cl, acc, mgr, Config{}, WithLogger(testLogger{}), WithBackoff(testBackoff{d: time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, _, _, _ := b.snapshot()
		return state == "done"
	}, time.Second, time.Millisecond, "batch should have been produced")

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.ErrorIs(t, acc.failedWith, context.Canceled)
}

// A fenced produce response must terminate the drive loop itself with the
// fencing error, and every other pending batch must be failed with it too.
func TestRun_FencedProduceTerminatesLoop(t *testing.T) {
	tp := TopicPartition{Topic: "orders", Partition: 0}
	b := newFakeBatch(tp)
	acc := newScriptedAccumulator(map[int32]NodeBatches{1: {tp: b}})

	cl := newFakeBrokerClient()
	cl.send = func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
		return produceResponseErr(req, kerr.InvalidProducerEpoch.Code), nil
	}

	mgr := newFakeTxnManager()
	s := New(cl, acc, mgr, Config{}, WithLogger(testLogger{}), WithBackoff(testBackoff{d: time.Millisecond}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Run(ctx)
	var fenced *FencedError
	require.ErrorAs(t, err, &fenced)

	state, _, _, _ := b.snapshot()
	assert.Equal(t, "failed", state)
	assert.ErrorAs(t, acc.failedWith, &fenced)
}
