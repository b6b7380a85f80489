package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func newTestInitPIDHandler(cl BrokerClient, mgr TransactionManager) *initPIDHandler {
	return &initPIDHandler{
		cl:      cl,
		coord:   newCoordinatorCache(cl, testBackoff{d: time.Millisecond}, testLogger{}),
		txnMgr:  mgr,
		backoff: testBackoff{d: time.Millisecond},
		logger:  testLogger{},
		metrics: nil,
	}
}

func TestInitPIDHandler_StoresIdentityOnSuccess(t *testing.T) {
	mgr := newFakeTxnManager()
	mgr.txnID, mgr.hasTxn = "txn-1", true

	cl := newFakeBrokerClient()
	cl.send = func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
		resp := kmsg.NewPtrInitProducerIDResponse()
		resp.ProducerID = 77
		resp.ProducerEpoch = 2
		return resp, nil
	}

	h := newTestInitPIDHandler(cl, mgr)
	done, fatal := h.run(context.Background())
	require.NoError(t, fatal)
	assert.True(t, done)
	assert.True(t, mgr.hasPID)
	assert.EqualValues(t, 77, mgr.pid)
	assert.EqualValues(t, 2, mgr.epoch)
}

func TestInitPIDHandler_UsesCoordinationGroupWhenTransactional(t *testing.T) {
	mgr := newFakeTxnManager()
	mgr.txnID, mgr.hasTxn = "txn-1", true

	var sawGroup ConnGroup
	cl := newFakeBrokerClient()
	cl.send = func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
		sawGroup = group
		resp := kmsg.NewPtrInitProducerIDResponse()
		return resp, nil
	}

	h := newTestInitPIDHandler(cl, mgr)
	_, fatal := h.run(context.Background())
	require.NoError(t, fatal)
	assert.Equal(t, ConnGroupCoordination, sawGroup)
}

func TestInitPIDHandler_InvalidProducerEpochIsFatalFenced(t *testing.T) {
	mgr := newFakeTxnManager()
	mgr.txnID, mgr.hasTxn = "txn-1", true

	cl := newFakeBrokerClient()
	cl.send = func(ctx context.Context, nodeID int32, req kmsg.Request, group ConnGroup) (kmsg.Response, error) {
		resp := kmsg.NewPtrInitProducerIDResponse()
		resp.ErrorCode = kerr.InvalidProducerEpoch.Code
		return resp, nil
	}

	h := newTestInitPIDHandler(cl, mgr)
	done, fatal := h.run(context.Background())
	require.Error(t, fatal)
	assert.False(t, done)
	var fenced *FencedError
	require.ErrorAs(t, fatal, &fenced)
}
