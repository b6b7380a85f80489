package sender

import (
	"context"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// txnContext bundles the dependencies every transaction handler shares.
// Re-architected per the DESIGN NOTES cyclic-ownership flag: handlers hold
// this small capability struct instead of a back-reference to the Sender,
// so a handler can only touch the coordinator cache, the transaction
// manager, and the client, never the drive loop's other internals.
type txnContext struct {
	cl      BrokerClient
	coord   *coordinatorCache
	txnMgr  TransactionManager
	backoff Backoffer
	logger  Logger
	metrics *Metrics
}

func newTxnContext(s *Sender) txnContext {
	return txnContext{
		cl:      s.cl,
		coord:   s.coord,
		txnMgr:  s.txnMgr,
		backoff: s.backoff,
		logger:  s.logger,
		metrics: s.metrics,
	}
}

func sortedPartitions(parts map[TopicPartition]bool) []TopicPartition {
	out := make([]TopicPartition, 0, len(parts))
	for tp := range parts {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// ---------------------------------------------------------------------
// Add-Partitions-To-Txn (§4.4)
// ---------------------------------------------------------------------

type addPartitionsHandler struct {
	txnContext
	retry int
}

func newAddPartitionsHandler(s *Sender) *addPartitionsHandler {
	return &addPartitionsHandler{txnContext: newTxnContext(s)}
}

// run dispatches Add-Partitions-To-Txn for the pending-enrolment set
// snapshotted at call time, grouped by topic. It returns done=true once
// every partition in the response has been enrolled; if any partition needs
// a retry it sleeps once and returns done=false. It returns fatal if the
// broker returned a non-retriable error for any partition.
func (h *addPartitionsHandler) run(ctx context.Context) (done bool, fatal error) {
	pending := h.txnMgr.PendingEnrolment()
	if len(pending) == 0 {
		return true, nil
	}
	txnID, _ := h.txnMgr.TransactionalID()
	id, epoch := h.txnMgr.ProducerID()

	nodeID, err := h.coord.lookup(ctx, RoleTransaction, txnID)
	if err != nil {
		return false, nil
	}

	byTopic := make(map[string][]int32)
	for _, tp := range sortedPartitions(pending) {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}

	req := kmsg.NewPtrAddPartitionsToTxnRequest()
	req.TransactionalID = txnID
	req.ProducerID = id
	req.ProducerEpoch = epoch
	for topic, parts := range byTopic {
		reqTopic := kmsg.NewAddPartitionsToTxnRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = parts
		req.Topics = append(req.Topics, reqTopic)
	}

	resp, ok := sendOrBackoff(ctx, h.cl, nodeID, req, ConnGroupCoordination, h.backoff.Default(h.retry), h.logger, "add_partitions_to_txn")
	if !ok {
		h.retry++
		h.metrics.handlerRetry("add_partitions_to_txn")
		return false, nil
	}
	addResp := resp.(*kmsg.AddPartitionsToTxnResponse)

	noneEnrolledYet := !h.txnMgr.HasEnrolledPartitions()
	var anyRetried bool
	var retryBackoff time.Duration
	for _, topic := range addResp.Topics {
		for _, part := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: part.Partition}
			err := normalizeUnknownTopicOrPartition(kerr.ErrorForCode(part.ErrorCode))

			outcome := classifyCoordinatorErr(err, RoleTransaction, noneEnrolledYet, h.backoff, h.retry)
			switch {
			case outcome.fatal != nil:
				if fe, isFenced := outcome.fatal.(*FencedError); isFenced {
					h.metrics.fencedOnce()
					return false, fe
				}
				return false, outcome.fatal
			case outcome.success:
				h.txnMgr.PartitionAdded(tp)
			default:
				if outcome.markDead {
					h.coord.markDead(outcome.role)
				}
				if outcome.backoff > retryBackoff {
					retryBackoff = outcome.backoff
				}
				anyRetried = true
			}
		}
	}

	if anyRetried {
		// All partitions in this response shared the same backoff
		// class in practice (the broker fails a whole request
		// uniformly); sleeping once here, for the longest backoff any
		// partition asked for, rather than per partition, keeps the
		// handler from hammering the coordinator.
		_ = sleepBackoff(ctx, retryBackoff)
		h.retry++
		h.metrics.handlerRetry("add_partitions_to_txn")
		return false, nil
	}
	h.retry = 0
	return true, nil
}

// ---------------------------------------------------------------------
// Add-Offsets-To-Txn (§4.5)
// ---------------------------------------------------------------------

type addOffsetsHandler struct {
	txnContext
	retry int
}

func newAddOffsetsHandler(s *Sender) *addOffsetsHandler {
	return &addOffsetsHandler{txnContext: newTxnContext(s)}
}

func (h *addOffsetsHandler) run(ctx context.Context) (done bool, fatal error) {
	group, ok := h.txnMgr.PendingGroupEnrolment()
	if !ok {
		return true, nil
	}
	txnID, _ := h.txnMgr.TransactionalID()
	id, epoch := h.txnMgr.ProducerID()

	nodeID, err := h.coord.lookup(ctx, RoleTransaction, txnID)
	if err != nil {
		return false, nil
	}

	req := kmsg.NewPtrAddOffsetsToTxnRequest()
	req.TransactionalID = txnID
	req.ProducerID = id
	req.ProducerEpoch = epoch
	req.Group = group

	resp, sent := sendOrBackoff(ctx, h.cl, nodeID, req, ConnGroupCoordination, h.backoff.Default(h.retry), h.logger, "add_offsets_to_txn")
	if !sent {
		h.retry++
		h.metrics.handlerRetry("add_offsets_to_txn")
		return false, nil
	}
	addResp := resp.(*kmsg.AddOffsetsToTxnResponse)

	outcome := classifyCoordinatorErr(kerr.ErrorForCode(addResp.ErrorCode), RoleTransaction, false, h.backoff, h.retry)
	switch {
	case outcome.fatal != nil:
		if fe, isFenced := outcome.fatal.(*FencedError); isFenced {
			h.metrics.fencedOnce()
			return false, fe
		}
		return false, outcome.fatal
	case outcome.success:
		h.txnMgr.ConsumerGroupAdded(group)
		h.retry = 0
		return true, nil
	default:
		if outcome.markDead {
			h.coord.markDead(outcome.role)
		}
		_ = sleepBackoff(ctx, outcome.backoff)
		h.retry++
		h.metrics.handlerRetry("add_offsets_to_txn")
		return false, nil
	}
}

// ---------------------------------------------------------------------
// Txn-Offset-Commit (§4.6)
// ---------------------------------------------------------------------

type offsetCommitHandler struct {
	txnContext
	retry int
}

func newOffsetCommitHandler(s *Sender) *offsetCommitHandler {
	return &offsetCommitHandler{txnContext: newTxnContext(s)}
}

func (h *offsetCommitHandler) run(ctx context.Context) (done bool, fatal error) {
	offsets, group, ok := h.txnMgr.PendingOffsetCommit()
	if !ok || len(offsets) == 0 {
		return true, nil
	}
	txnID, _ := h.txnMgr.TransactionalID()
	id, epoch := h.txnMgr.ProducerID()

	// Node selection for Txn-Offset-Commit is the GROUP coordinator,
	// not the transaction coordinator (§4.6).
	nodeID, err := h.coord.lookup(ctx, RoleGroup, group)
	if err != nil {
		return false, nil
	}

	byTopic := make(map[string][]TopicPartition)
	for tp := range offsets {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp)
	}

	req := kmsg.NewPtrTxnOffsetCommitRequest()
	req.TransactionalID = txnID
	req.Group = group
	req.ProducerID = id
	req.ProducerEpoch = epoch
	for topic, tps := range byTopic {
		sort.Slice(tps, func(i, j int) bool { return tps[i].Partition < tps[j].Partition })
		reqTopic := kmsg.NewTxnOffsetCommitRequestTopic()
		reqTopic.Topic = topic
		for _, tp := range tps {
			om := offsets[tp]
			reqPart := kmsg.NewTxnOffsetCommitRequestTopicPartition()
			reqPart.Partition = tp.Partition
			reqPart.Offset = om.Offset
			reqPart.LeaderEpoch = om.LeaderEpoch
			reqPart.Metadata = &om.Metadata
			reqTopic.Partitions = append(reqTopic.Partitions, reqPart)
		}
		req.Topics = append(req.Topics, reqTopic)
	}

	resp, sent := sendOrBackoff(ctx, h.cl, nodeID, req, ConnGroupCoordination, h.backoff.Default(h.retry), h.logger, "txn_offset_commit")
	if !sent {
		h.retry++
		h.metrics.handlerRetry("txn_offset_commit")
		return false, nil
	}
	commitResp := resp.(*kmsg.TxnOffsetCommitResponse)

	var anyRetried bool
	for _, topic := range commitResp.Topics {
		for _, part := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: part.Partition}
			err := normalizeUnknownTopicOrPartition(kerr.ErrorForCode(part.ErrorCode))

			outcome := classifyCoordinatorErr(err, RoleGroup, false, h.backoff, h.retry)
			switch {
			case outcome.fatal != nil:
				if fe, isFenced := outcome.fatal.(*FencedError); isFenced {
					h.metrics.fencedOnce()
					return false, fe
				}
				return false, outcome.fatal
			case outcome.success:
				h.txnMgr.OffsetCommitted(tp, offsets[tp].Offset, group)
			default:
				if outcome.markDead {
					h.coord.markDead(outcome.role)
				}
				anyRetried = true
			}
		}
	}

	if anyRetried {
		_ = sleepBackoff(ctx, h.backoff.Default(h.retry))
		h.retry++
		h.metrics.handlerRetry("txn_offset_commit")
		return false, nil
	}
	h.retry = 0
	return true, nil
}

// ---------------------------------------------------------------------
// End-Txn (§4.7)
// ---------------------------------------------------------------------

type endTxnHandler struct {
	txnContext
	retry int
}

func newEndTxnHandler(s *Sender) *endTxnHandler {
	return &endTxnHandler{txnContext: newTxnContext(s)}
}

// run must only be called by the drive loop after flushForCommit has
// resolved for the batches present at the moment the end-txn decision was
// made (I3, §4.7 precondition).
func (h *endTxnHandler) run(ctx context.Context) (done bool, fatal error) {
	kind, ok := h.txnMgr.PendingFinalisation()
	if !ok {
		return true, nil
	}
	if h.txnMgr.IsEmptyTransaction() {
		h.txnMgr.CompleteTransaction()
		return true, nil
	}

	txnID, _ := h.txnMgr.TransactionalID()
	id, epoch := h.txnMgr.ProducerID()

	nodeID, err := h.coord.lookup(ctx, RoleTransaction, txnID)
	if err != nil {
		return false, nil
	}

	req := kmsg.NewPtrEndTxnRequest()
	req.TransactionalID = txnID
	req.ProducerID = id
	req.ProducerEpoch = epoch
	req.Commit = bool(kind)

	resp, sent := sendOrBackoff(ctx, h.cl, nodeID, req, ConnGroupCoordination, h.backoff.Default(h.retry), h.logger, "end_txn")
	if !sent {
		h.retry++
		h.metrics.handlerRetry("end_txn")
		return false, nil
	}
	endResp := resp.(*kmsg.EndTxnResponse)

	outcome := classifyCoordinatorErr(kerr.ErrorForCode(endResp.ErrorCode), RoleTransaction, false, h.backoff, h.retry)
	switch {
	case outcome.fatal != nil:
		if fe, isFenced := outcome.fatal.(*FencedError); isFenced {
			h.metrics.fencedOnce()
			return false, fe
		}
		return false, outcome.fatal
	case outcome.success:
		h.txnMgr.CompleteTransaction()
		h.logger.Log(LogLevelInfo, "transaction ended", "txn_id", txnID, "outcome", kind.String())
		h.retry = 0
		return true, nil
	default:
		if outcome.markDead {
			h.coord.markDead(outcome.role)
		}
		_ = sleepBackoff(ctx, outcome.backoff)
		h.retry++
		h.metrics.handlerRetry("end_txn")
		return false, nil
	}
}
