package sender

import (
	"context"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// initPIDHandler acquires or renews a producer identifier/epoch (§4.3). If
// a transactional id is configured, it resolves the TRANSACTION coordinator
// first; otherwise any usable broker will do.
type initPIDHandler struct {
	cl      BrokerClient
	coord   *coordinatorCache
	txnMgr  TransactionManager
	backoff Backoffer
	logger  Logger
	metrics *Metrics

	retry int
}

func newInitPIDHandler(s *Sender) *initPIDHandler {
	return &initPIDHandler{
		cl:      s.cl,
		coord:   s.coord,
		txnMgr:  s.txnMgr,
		backoff: s.backoff,
		logger:  s.logger,
		metrics: s.metrics,
	}
}

// run returns done=true once a producer id/epoch has been stored on the
// transaction manager, or a fatal error if the broker response is not
// recoverable locally.
func (h *initPIDHandler) run(ctx context.Context) (done bool, fatal error) {
	nodeID, err := h.resolveNode(ctx)
	if err != nil {
		return false, nil // ctx canceled while waiting on coordinator lookup
	}

	req := kmsg.NewPtrInitProducerIDRequest()
	if txnID, ok := h.txnMgr.TransactionalID(); ok {
		req.TransactionalID = &txnID
		req.TransactionTimeoutMillis = h.txnMgr.TransactionTimeoutMillis()
	}

	resp, ok := sendOrBackoff(ctx, h.cl, nodeID, req, h.connGroup(), h.backoff.Default(h.retry), h.logger, "init_pid")
	if !ok {
		h.retry++
		h.metrics.handlerRetry("init_pid")
		return false, nil
	}
	initResp := resp.(*kmsg.InitProducerIDResponse)

	outcome := classifyCoordinatorErr(kerr.ErrorForCode(initResp.ErrorCode), RoleTransaction, false, h.backoff, h.retry)
	if outcome.fatal != nil {
		if fe, ok := outcome.fatal.(*FencedError); ok {
			h.metrics.fencedOnce()
			return false, fe
		}
		return false, outcome.fatal
	}
	if outcome.markDead {
		h.coord.markDead(outcome.role)
	}
	if !outcome.success {
		_ = sleepBackoff(ctx, outcome.backoff)
		h.retry++
		h.metrics.handlerRetry("init_pid")
		return false, nil
	}

	h.txnMgr.SetPIDAndEpoch(initResp.ProducerID, initResp.ProducerEpoch)
	h.logger.Log(LogLevelInfo, "producer id acquired", "producer_id", initResp.ProducerID, "epoch", initResp.ProducerEpoch)
	h.retry = 0
	return true, nil
}

func (h *initPIDHandler) connGroup() ConnGroup {
	if _, ok := h.txnMgr.TransactionalID(); ok {
		return ConnGroupCoordination
	}
	return ConnGroupDefault
}

func (h *initPIDHandler) resolveNode(ctx context.Context) (int32, error) {
	if txnID, ok := h.txnMgr.TransactionalID(); ok {
		return h.coord.lookup(ctx, RoleTransaction, txnID)
	}
	return h.cl.RandomNode()
}
