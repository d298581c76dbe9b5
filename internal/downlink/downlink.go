// Package downlink implements the pending-downlink ticket table (spec
// §4.G): a device-bound send is enqueued, waited on by MessageId, and
// completed exactly once by either a matching ACK or a timeout.
package downlink

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/registry"
)

// Ack is the result delivered to an awaiter from a confirmed-up frame's ACK
// bit. A timeout carries no Ack; AwaitAck reports it as
// errs.ErrDownlinkTimeout instead.
type Ack struct {
	DeviceID registry.DeviceID
	Body     []byte
}

type ticket struct {
	result chan result
	once   sync.Once
	timer  *time.Timer
}

type result struct {
	ack Ack
	err error
}

func (t *ticket) complete(r result) {
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.result <- r
	})
}

// Manager is the ticket table. One instance serves the whole process.
type Manager struct {
	mu             sync.Mutex
	tickets        map[uuid.UUID]*ticket
	outstanding    map[registry.DeviceID]uuid.UUID // most recent pending ticket per device
	defaultTimeout time.Duration
}

func New(defaultTimeout time.Duration) *Manager {
	return &Manager{
		tickets:        make(map[uuid.UUID]*ticket),
		outstanding:    make(map[registry.DeviceID]uuid.UUID),
		defaultTimeout: defaultTimeout,
	}
}

// Enqueue creates a ticket and starts its timeout clock; the returned
// MessageId is what AwaitAck/DeliverAck correlate on. A negative timeout
// fails immediately with errs.ErrInvalidTimeout; a zero timeout is not
// rejected but replaced by the manager's configured default, and fails only
// if that default is not positive either.
func (m *Manager) Enqueue(device registry.DeviceID, timeout time.Duration) (uuid.UUID, error) {
	if timeout == 0 {
		timeout = m.defaultTimeout
	}
	if timeout <= 0 {
		return uuid.Nil, errs.ErrInvalidTimeout
	}

	id := uuid.New()
	t := &ticket{result: make(chan result, 1)}
	t.timer = time.AfterFunc(timeout, func() {
		m.remove(id, device)
		t.complete(result{err: errs.ErrDownlinkTimeout})
	})

	m.mu.Lock()
	m.tickets[id] = t
	m.outstanding[device] = id
	m.mu.Unlock()

	return id, nil
}

// AwaitAck blocks until a matching ACK arrives, the ticket's timeout
// fires, or ctx is cancelled. A ctx cancellation does not complete or
// remove the ticket — a later DeliverAck or timeout still resolves it.
func (m *Manager) AwaitAck(ctx context.Context, id uuid.UUID) (Ack, error) {
	m.mu.Lock()
	t, ok := m.tickets[id]
	m.mu.Unlock()
	if !ok {
		return Ack{}, errs.ErrDownlinkTimeout
	}

	select {
	case r := <-t.result:
		if r.err != nil {
			return Ack{}, r.err
		}
		return r.ack, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// DeliverAck completes a pending ticket exactly once. A late or unknown
// MessageId is dropped silently, per spec §4.G.
func (m *Manager) DeliverAck(id uuid.UUID, ack Ack) {
	m.mu.Lock()
	t, ok := m.tickets[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.complete(result{ack: ack})
	m.remove(id, ack.DeviceID)
}

// DeliverAckForDevice completes the most recent outstanding ticket for a
// device. The event ingest calls this when a confirmed-up frame's FCtrl
// ACK bit arrives — the LoRaWAN wire format carries no MessageId, only a
// single ACK bit per device, so correlation is by device rather than by
// ticket id (spec §4.G: "called by the event ingest when a confirmed-up
// frame carries ACK bit for a prior downlink").
func (m *Manager) DeliverAckForDevice(device registry.DeviceID, body []byte) {
	m.mu.Lock()
	id, ok := m.outstanding[device]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.DeliverAck(id, Ack{DeviceID: device, Body: body})
}

func (m *Manager) remove(id uuid.UUID, device registry.DeviceID) {
	m.mu.Lock()
	delete(m.tickets, id)
	if m.outstanding[device] == id {
		delete(m.outstanding, device)
	}
	m.mu.Unlock()
}
