package sender

import (
	"context"
	"errors"
	"reflect"
)

// txnHandler is the capability set every transaction handler in
// txn_handlers.go and initpid.go implements: build request, send, classify
// (§4.2, DESIGN NOTES "polymorphism across handler kinds").
type txnHandler interface {
	run(ctx context.Context) (done bool, fatal error)
}

type taskKind int8

const (
	taskProduce taskKind = iota
	taskTxn
)

// task is one spawned unit of work the drive loop is waiting on: either a
// produce handler for one node, or the sender's single in-flight
// transactional action.
type task struct {
	kind  taskKind
	node  int32
	parts map[TopicPartition]bool
	done  chan error
}

// Run is the drive loop (§4.9). It is the single owner of the sender's
// mutable state and runs until ctx is canceled or a fatal error is
// observed. On return, every batch still pending in the accumulator is
// failed with the terminating error (the "completion hook" of §4.9's
// termination contract).
func (s *Sender) Run(ctx context.Context) (runErr error) {
	defer func() {
		final := runErr
		if final == nil {
			final = ErrSenderClosed
		}
		s.acc.FailAll(final)
	}()

	if s.cfg.Idempotent {
		if _, fatal := s.runUntilDone(ctx, s.initPID); fatal != nil {
			return fatal
		}
	}

	var live []*task
	var txnTask *task

	for {
		if ctx.Err() != nil {
			return s.awaitOutstanding(live)
		}

		if s.cfg.Idempotent && !s.txnMgr.HasPID() {
			if _, fatal := s.runUntilDone(ctx, s.initPID); fatal != nil {
				return fatal
			}
		}

		if s.cfg.Transactional && txnTask == nil {
			if t := s.maybeSpawnTxnTask(ctx); t != nil {
				txnTask = t
				live = append(live, t)
			}
		}

		muted := s.snapshotMuted()
		if txnTask != nil {
			for tp := range s.txnMgr.PendingEnrolment() {
				muted[tp] = true
			}
		}

		byNode, unknownLeaders := s.acc.DrainByNodes(s.snapshotInFlight(), muted)
		for nodeID, batches := range byNode {
			live = append(live, s.spawnProduceTask(ctx, nodeID, batches))
		}

		outcome, idx, err := s.wait(ctx, live, txnTask, unknownLeaders)
		switch outcome {
		case waitCtxDone:
			return s.awaitOutstanding(live)
		case waitOther:
			// A non-task waiter fired (new data, metadata update, or
			// txn-state-changed); loop again with no task removed.
			continue
		}

		finished := live[idx]
		live = append(live[:idx:idx], live[idx+1:]...)
		if finished.kind == taskTxn {
			txnTask = nil
		} else {
			s.unmute(finished.node, finished.parts)
		}

		if err == nil {
			continue
		}

		var fenced *FencedError
		var fatalState *FatalStateError
		if errors.As(err, &fenced) || errors.As(err, &fatalState) {
			return err
		}
		// Any other unexpected error escaping a spawned task is a bug
		// in a handler, not a recoverable condition; fail everything
		// and terminate (§4.9 step 5).
		return err
	}
}

// wait composes the drive loop's "first of" select over every live task
// plus the new-data/metadata-refresh waiter and, when no transactional task
// could be spawned this iteration, the transaction manager's state-changed
// waiter (§4.9 step e, DESIGN NOTES "coroutine-driven composite wait").
// Non-winning channels are never canceled; they are simply recomputed and
// reused next iteration.
//
// Returns waitTask with idx set into live and the task's result if a
// spawned task completed, waitCtxDone if the context fired, or waitOther if
// the new-data, metadata-refresh, or txn-state-changed waiter fired.
func (s *Sender) wait(ctx context.Context, live []*task, txnTask *task, unknownLeaders bool) (waitOutcome, int, error) {
	cases := make([]reflect.SelectCase, 0, len(live)+3)
	for _, t := range live {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.done)})
	}

	var metaCase reflect.SelectCase
	if unknownLeaders {
		metaCase = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.cl.WaitMetadataStable())}
	} else {
		metaCase = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.acc.DataWaiter())}
	}
	cases = append(cases, metaCase)

	if txnTask == nil {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.txnMgr.TaskWaiter())})
	}

	ctxIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, recv, _ := reflect.Select(cases)
	switch {
	case chosen == ctxIdx:
		return waitCtxDone, -1, nil
	case chosen < len(live):
		var err error
		if v := recv.Interface(); v != nil {
			err = v.(error)
		}
		return waitTask, chosen, err
	default:
		return waitOther, -1, nil
	}
}

type waitOutcome int8

const (
	waitTask waitOutcome = iota
	waitOther
	waitCtxDone
)

// awaitOutstanding blocks for every still-running spawned task to reach a
// terminal state (not cancel them) before returning. This is load-bearing
// for transactional correctness: abandoning an in-flight Add-Partitions or
// End-Txn mid-request would leave broker-side transaction state the next
// producer incarnation cannot safely reason about (DESIGN NOTES).
func (s *Sender) awaitOutstanding(live []*task) error {
	for _, t := range live {
		err := <-t.done
		if t.kind == taskProduce {
			s.unmute(t.node, t.parts)
		}
		if err != nil {
			s.logger.Log(LogLevelWarn, "outstanding task finished with error during shutdown", "err", err)
		}
	}
	return context.Canceled
}

// runUntilDone repeatedly invokes h until it reports done or a fatal error,
// used for the once-per-connection Init-PID gate where the drive loop must
// block rather than interleave with other work (§4.9 step 1 and "re-check
// PID" in step 2a).
func (s *Sender) runUntilDone(ctx context.Context, h txnHandler) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		done, fatal := h.run(ctx)
		if fatal != nil {
			return false, fatal
		}
		if done {
			return true, nil
		}
	}
}

// maybeSpawnTxnTask asks the transaction manager for the next needed
// action and spawns at most one of {add-partitions, add-offsets,
// offset-commit, end-txn}, in that priority order (§4.9 step 2b). Returns
// nil if no transactional action is currently pending.
func (s *Sender) maybeSpawnTxnTask(ctx context.Context) *task {
	var h txnHandler
	var endTxn bool

	switch {
	case len(s.txnMgr.PendingEnrolment()) > 0:
		h = s.addPartitions
	default:
		if _, ok := s.txnMgr.PendingGroupEnrolment(); ok {
			h = s.addOffsets
			break
		}
		if _, _, ok := s.txnMgr.PendingOffsetCommit(); ok {
			h = s.offsetCommit
			break
		}
		if _, ok := s.txnMgr.PendingFinalisation(); ok {
			h = s.endTxn
			endTxn = true
		}
	}
	if h == nil {
		return nil
	}

	t := &task{kind: taskTxn, done: make(chan error, 1)}
	go func() {
		if endTxn {
			// I3: End-Txn is dispatched only after the accumulator
			// has flushed every batch present at decision time.
			if err := s.acc.FlushForCommit(ctx); err != nil {
				t.done <- nil // ctx canceled; let the drive loop's shutdown path handle it
				return
			}
		}
		_, fatal := h.run(ctx)
		t.done <- fatal
	}()
	return t
}

// spawnProduceTask starts a produce handler for nodeID/batches, marking the
// node in-flight and its partitions muted for the task's lifetime (§4.9
// step 2d). The wrapper goroutine applies linger after a run that returned
// no error; the drive loop releases both when it receives the task's
// result, regardless of outcome (§4.8 "Post-handler", DESIGN NOTES "scoped
// muting").
func (s *Sender) spawnProduceTask(ctx context.Context, nodeID int32, batches NodeBatches) *task {
	parts := make(map[TopicPartition]bool, len(batches))
	for tp := range batches {
		parts[tp] = true
	}
	s.muteForInFlight(nodeID, parts)

	t := &task{kind: taskProduce, node: nodeID, parts: parts, done: make(chan error, 1)}
	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			t.done <- nil // ctx canceled while waiting for an in-flight slot
			return
		}
		defer s.sem.Release(1)

		started := nowFn()
		h := newProduceHandler(s, nodeID, batches)
		err := h.run(ctx, 0)
		if err == nil && s.cfg.Linger > 0 {
			elapsed := nowFn().Sub(started)
			if remaining := s.cfg.Linger - elapsed; remaining > 0 {
				_ = sleepBackoff(ctx, remaining)
			}
		}
		t.done <- err
	}()
	return t
}
