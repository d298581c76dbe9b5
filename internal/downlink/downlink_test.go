package downlink

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/registry"
)

// S5: a ticket with no matching ACK times out within its configured window
// and is removed from the table afterward.
func TestManager_S5DownlinkTimeout(t *testing.T) {
	m := New(5 * time.Second)

	id, err := m.Enqueue(registry.DeviceID(1), 200*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.AwaitAck(context.Background(), id)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, errs.ErrDownlinkTimeout)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Less(t, elapsed, 1*time.Second)

	// the ticket must be gone from the table once the timer has fired.
	m.mu.Lock()
	_, stillPresent := m.tickets[id]
	m.mu.Unlock()
	require.False(t, stillPresent)
}

// Invariant 4: enqueue followed by deliver_ack resolves await_ack with the
// delivered body.
func TestManager_EnqueueThenDeliverAckResolves(t *testing.T) {
	m := New(5 * time.Second)

	id, err := m.Enqueue(registry.DeviceID(7), time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.DeliverAck(id, Ack{DeviceID: registry.DeviceID(7), Body: []byte("ack-body")})
	}()

	ack, err := m.AwaitAck(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("ack-body"), ack.Body)
}

// Invariant 4 (timer independence): the timeout must fire and resolve the
// ticket even when nobody is currently blocked in AwaitAck.
func TestManager_TimeoutFiresWithoutAnAwaiter(t *testing.T) {
	m := New(5 * time.Second)

	id, err := m.Enqueue(registry.DeviceID(3), 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)

	_, err = m.AwaitAck(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrDownlinkTimeout)
}

func TestManager_Enqueue_RejectsNegativeTimeout(t *testing.T) {
	m := New(5 * time.Second)
	_, err := m.Enqueue(registry.DeviceID(1), -1*time.Second)
	require.ErrorIs(t, err, errs.ErrInvalidTimeout)
}

// DeliverAckForDevice correlates by device id since the LoRaWAN wire format
// carries only a single ACK bit, not a MessageId.
func TestManager_DeliverAckForDevice(t *testing.T) {
	m := New(5 * time.Second)

	id, err := m.Enqueue(registry.DeviceID(42), time.Second)
	require.NoError(t, err)

	m.DeliverAckForDevice(registry.DeviceID(42), []byte("device-ack"))

	ack, err := m.AwaitAck(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("device-ack"), ack.Body)
}

func TestManager_DeliverAck_UnknownIDIsANoOp(t *testing.T) {
	m := New(5 * time.Second)
	m.DeliverAck(uuid.New(), Ack{})
}
