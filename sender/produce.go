package sender

import (
	"context"
	"errors"
	"sort"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// produceHandler is the batch-oriented send to a single leader node (§4.8).
// One instance is spawned per drained node per drive-loop iteration; it
// owns exactly the partitions in its batches map for its lifetime (the
// drive loop keeps them muted until run returns).
type produceHandler struct {
	cl      BrokerClient
	acc     Accumulator
	txnMgr  TransactionManager
	backoff Backoffer
	logger  Logger
	metrics *Metrics

	nodeID       int32
	batches      NodeBatches
	acks         int16
	requestTimeoutMs int32
	idempotent   bool
	transactional bool
}

func newProduceHandler(s *Sender, nodeID int32, batches NodeBatches) *produceHandler {
	return &produceHandler{
		cl:               s.cl,
		acc:              s.acc,
		txnMgr:           s.txnMgr,
		backoff:          s.backoff,
		logger:           s.logger,
		metrics:          s.metrics,
		nodeID:           nodeID,
		batches:          batches,
		acks:             s.cfg.RequiredAcks,
		requestTimeoutMs: int32(s.cfg.RequestTimeout.Milliseconds()),
		idempotent:       s.cfg.Idempotent,
		transactional:    s.cfg.Transactional,
	}
}

// produceVersion chooses the produce request wire version from the
// negotiated broker API version (§4.8). v3 is the first version able to
// carry a transactional id; v<2 responses omit the per-partition
// timestamp.
func produceVersion(v APIVersion) int16 {
	switch {
	case v.AtLeast(0, 11):
		return 3
	case v.AtLeast(0, 10):
		return 2
	case v.Major == 0 && v.Minor == 9:
		return 1
	default:
		return 0
	}
}

// canRetry implements §4.8's retry predicate: non-transactional,
// non-idempotent batches stop retrying once they have expired; everything
// else retries if the broker marked the error retriable, if it is
// UnknownTopicOrPartition, which is transient pending a metadata update, or
// if the request failed in transport.
func (h *produceHandler) canRetry(err error, b Batch) bool {
	if !h.idempotent && !h.transactional && b.Expired() {
		return false
	}
	if errors.Is(err, kerr.UnknownTopicOrPartition) || errors.Is(err, errTransportFailure) {
		return true
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Retriable
	}
	return kerr.IsRetriable(err)
}

// run dispatches the produce request and classifies every batch to a
// terminal state or to re-enqueue. The drive loop's wrapper is responsible
// for releasing the in-flight/muted state and applying linger once run
// returns (§4.9 step 2d, §4.8 "Post-handler").
func (h *produceHandler) run(ctx context.Context, retry int) (fatal error) {
	req := h.buildRequest()

	if h.acks == 0 {
		if _, err := h.cl.Send(ctx, h.nodeID, req, ConnGroupDefault); err != nil {
			h.logger.Log(LogLevelWarn, "acks=0 produce transport failure, proceeding without ack", "node", h.nodeID, "err", err)
		}
		for _, b := range h.batches {
			b.DoneNoAck()
			h.metrics.batchOutcome("noack")
		}
		return nil
	}

	resp, ok := sendOrBackoff(ctx, h.cl, h.nodeID, req, ConnGroupDefault, h.backoff.Default(retry), h.logger, "produce")
	if !ok {
		return h.failOrRetryTransport(ctx, retry)
	}
	produceResp := resp.(*kmsg.ProduceResponse)
	return h.classifyResponse(ctx, produceResp, retry)
}

func (h *produceHandler) buildRequest() *kmsg.ProduceRequest {
	req := kmsg.NewPtrProduceRequest()
	req.Version = produceVersion(h.cl.APIVersions())
	req.Acks = h.acks
	req.TimeoutMillis = h.requestTimeoutMs
	if req.Version >= 3 && h.transactional {
		if txnID, ok := h.txnMgr.TransactionalID(); ok {
			req.TransactionalID = &txnID
		}
	}

	byTopic := make(map[string][]TopicPartition)
	for tp := range h.batches {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp)
	}
	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		tps := byTopic[topic]
		sort.Slice(tps, func(i, j int) bool { return tps[i].Partition < tps[j].Partition })
		reqTopic := kmsg.NewProduceRequestTopic()
		reqTopic.Topic = topic
		for _, tp := range tps {
			reqPart := kmsg.NewProduceRequestTopicPartition()
			reqPart.Partition = tp.Partition
			reqPart.Records = h.batches[tp].DataBuffer()
			reqTopic.Partitions = append(reqTopic.Partitions, reqPart)
		}
		req.Topics = append(req.Topics, reqTopic)
	}
	return req
}

// failOrRetryTransport handles the case where the request never reached the
// broker (or the broker never replied): every batch is independently
// classified retriable-vs-terminal via canRetry, exactly as a per-partition
// produce error would be.
func (h *produceHandler) failOrRetryTransport(ctx context.Context, retry int) error {
	toReenqueue := make(map[TopicPartition]Batch)
	for tp, b := range h.batches {
		if h.canRetry(errTransportFailure, b) {
			toReenqueue[tp] = b
		} else {
			b.Failure(errTransportFailure)
			h.metrics.batchOutcome("fail")
		}
	}
	h.finishReenqueue(ctx, toReenqueue, retry)
	return nil
}

var errTransportFailure = errors.New("transport failure sending produce request")

// marksMetadataInvalid reports whether a per-partition produce error
// implies the client's cached partition leadership is stale and a
// metadata refresh should be requested before the partition is retried.
func marksMetadataInvalid(err error) bool {
	return errors.Is(err, kerr.UnknownTopicOrPartition) ||
		errors.Is(err, kerr.NotLeaderForPartition) ||
		errors.Is(err, kerr.LeaderNotAvailable) ||
		errors.Is(err, kerr.UnknownTopicID)
}

func (h *produceHandler) classifyResponse(ctx context.Context, resp *kmsg.ProduceResponse, retry int) error {
	toReenqueue := make(map[TopicPartition]Batch)
	var invalidMetadata bool
	var fatalFenced error

	handled := make(map[TopicPartition]bool)
	for _, topic := range resp.Topics {
		for _, part := range topic.Partitions {
			tp := TopicPartition{Topic: topic.Topic, Partition: part.Partition}
			b, ok := h.batches[tp]
			if !ok {
				continue // response for a partition we did not ask about; ignore
			}
			handled[tp] = true

			timestamp := part.LogAppendTime
			if resp.Version < 2 {
				timestamp = -1
			}

			err := normalizeUnknownTopicOrPartition(kerr.ErrorForCode(part.ErrorCode))
			switch {
			case err == nil:
				b.Done(part.BaseOffset, timestamp)
				h.metrics.batchOutcome("done")

			case errors.Is(err, kerr.DuplicateSequenceNumber):
				// The broker lost track of whether it replied
				// to this retry, but it already durably
				// appended the batch. Treating this as
				// success (rather than retrying again)
				// preserves exactly-once-at-the-user-level
				// semantics for idempotent producers.
				b.Done(part.BaseOffset, timestamp)
				h.metrics.batchOutcome("done")

			case errIsFenced(err):
				// can_retry always refuses a fenced batch
				// (fencing is never transient), so this
				// collapses straight to failure. Scenario 3
				// (§8): the drive loop itself must also exit
				// with a fenced error, so it is recorded below
				// and returned once every partition in this
				// response has been classified.
				h.metrics.fencedOnce()
				fenced := &FencedError{Cause: err}
				b.Failure(fenced)
				h.metrics.batchOutcome("fail")
				if fatalFenced == nil {
					fatalFenced = fenced
				}

			default:
				if marksMetadataInvalid(err) {
					invalidMetadata = true
				}
				if h.canRetry(err, b) {
					toReenqueue[tp] = b
				} else {
					b.Failure(err)
					h.metrics.batchOutcome("fail")
				}
			}
		}
	}
	// Partitions we asked about but the broker did not answer (should
	// not happen on a well-formed broker, but a defensive producer
	// treats a missing entry as retriable rather than silently
	// dropping it).
	for tp, b := range h.batches {
		if !handled[tp] {
			toReenqueue[tp] = b
		}
	}

	if invalidMetadata {
		h.cl.ForceMetadataUpdate()
	}
	h.finishReenqueue(ctx, toReenqueue, retry)
	return fatalFenced
}

// finishReenqueue implements §4.8's closing paragraph: if anything needs
// retrying, sleep the default backoff, re-enqueue it, and wait for metadata
// to stabilize before returning. Because the drive loop keeps this node's
// partitions muted until run returns, no new produce request for them can
// start until the re-enqueue below has completed, which preserves
// per-partition order across the retry.
func (h *produceHandler) finishReenqueue(ctx context.Context, toReenqueue map[TopicPartition]Batch, retry int) {
	if len(toReenqueue) == 0 {
		return
	}
	_ = sleepBackoff(ctx, h.backoff.Default(retry))
	for tp, b := range toReenqueue {
		h.acc.Reenqueue(tp, b)
		h.metrics.batchOutcome("retry")
	}
	select {
	case <-h.cl.WaitMetadataStable():
	case <-ctx.Done():
	}
}
