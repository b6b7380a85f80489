package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_TransactionalImpliesIdempotent(t *testing.T) {
	s := New(newFakeBrokerClient(), newFakeAccumulator(), newFakeTxnManager(), Config{Transactional: true})
	assert.True(t, s.cfg.Idempotent)
}

func TestNew_DefaultsAcksAndTimeout(t *testing.T) {
	s := New(newFakeBrokerClient(), newFakeAccumulator(), newFakeTxnManager(), Config{})
	assert.EqualValues(t, -1, s.cfg.RequiredAcks)
	assert.Equal(t, 30*time.Second, s.cfg.RequestTimeout)
	assert.EqualValues(t, 5, s.cfg.MaxInFlightRequests)
}

func TestMuteUnmute_RoundTrips(t *testing.T) {
	s := New(newFakeBrokerClient(), newFakeAccumulator(), newFakeTxnManager(), Config{})
	tp := TopicPartition{Topic: "orders", Partition: 0}

	s.muteForInFlight(1, map[TopicPartition]bool{tp: true})
	assert.True(t, s.snapshotMuted()[tp])
	assert.True(t, s.snapshotInFlight()[1])

	s.unmute(1, map[TopicPartition]bool{tp: true})
	assert.Empty(t, s.snapshotMuted())
	assert.Empty(t, s.snapshotInFlight())
}
