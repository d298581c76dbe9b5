package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// fakeStore is an in-memory Store used by tests in place of Postgres.
type fakeStore struct {
	mu      sync.Mutex
	devices map[lorawan.EUI64]*Device
	saved   map[DeviceID]Session
}

func newFakeStore(devices ...*Device) *fakeStore {
	s := &fakeStore{devices: make(map[lorawan.EUI64]*Device), saved: make(map[DeviceID]Session)}
	for _, d := range devices {
		s.devices[d.DevEUI] = d
	}
	return s
}

func (s *fakeStore) LoadDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) SaveSession(ctx context.Context, id DeviceID, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = sess
	return nil
}

func testDevice(eui lorawan.EUI64) *Device {
	return &Device{ID: 1, DevEUI: eui, Activation: OTAA, Region: "EU868"}
}

func TestLookupByDevEUI_CacheMissFallsBackToStore(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	store := newFakeStore(testDevice(eui))
	reg := New(store)

	dev, err := reg.LookupByDevEUI(context.Background(), eui)
	require.NoError(t, err)
	require.Equal(t, DeviceID(1), dev.ID)

	// second lookup must hit the in-memory cache, not the store again
	store.mu.Lock()
	delete(store.devices, eui)
	store.mu.Unlock()

	dev2, err := reg.LookupByDevEUI(context.Background(), eui)
	require.NoError(t, err)
	require.Equal(t, dev.ID, dev2.ID)
}

func TestLookupByDevEUI_UnknownDevice(t *testing.T) {
	store := newFakeStore()
	reg := New(store)
	eui, _ := lorawan.EUI64FromString("0000000000000099")

	_, err := reg.LookupByDevEUI(context.Background(), eui)
	require.ErrorIs(t, err, errs.ErrUnknownDevice)
}

func TestInstallSession_AtomicAndReindexesDevAddr(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	store := newFakeStore(testDevice(eui))
	reg := New(store)

	dev, err := reg.LookupByDevEUI(context.Background(), eui)
	require.NoError(t, err)
	require.False(t, dev.HasSession())

	addr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	err = reg.InstallSession(context.Background(), dev.ID, addr, lorawan.AES128Key{1}, lorawan.AES128Key{2}, Session{LastDevNonce: 42})
	require.NoError(t, err)

	after, err := reg.LookupByDevEUI(context.Background(), eui)
	require.NoError(t, err)
	require.True(t, after.HasSession())
	require.Equal(t, uint32(0), after.Session.FCntUp)
	require.Equal(t, uint32(0), after.Session.FCntDown)
	require.Equal(t, addr, after.Session.DevAddr)

	matches := reg.LookupByDevAddr(addr)
	require.Len(t, matches, 1)
	require.Equal(t, dev.ID, matches[0].ID)
}

// S3: accepted uplinks strictly advance FCntUp; replays and stale values
// are rejected without mutating the stored counter.
func TestAdvanceFCntUp_Monotonic(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	store := newFakeStore(testDevice(eui))
	reg := New(store)
	dev, _ := reg.LookupByDevEUI(context.Background(), eui)
	addr := lorawan.DevAddr{1, 2, 3, 4}
	require.NoError(t, reg.InstallSession(context.Background(), dev.ID, addr, lorawan.AES128Key{}, lorawan.AES128Key{}, Session{}))

	sequence := []uint32{1, 2, 2, 1, 3}
	wantErr := []bool{false, false, true, true, false}

	for i, fcnt := range sequence {
		err := reg.AdvanceFCntUp(context.Background(), dev.ID, fcnt)
		if wantErr[i] {
			require.ErrorIs(t, err, errs.ErrFcntReplay, "step %d (fcnt=%d)", i, fcnt)
		} else {
			require.NoError(t, err, "step %d (fcnt=%d)", i, fcnt)
		}
	}

	final, _ := reg.LookupByDevEUI(context.Background(), eui)
	require.Equal(t, uint32(3), final.Session.FCntUp)
}

func TestAdvanceFCntDown_PostIncrements(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	store := newFakeStore(testDevice(eui))
	reg := New(store)
	dev, _ := reg.LookupByDevEUI(context.Background(), eui)
	require.NoError(t, reg.InstallSession(context.Background(), dev.ID, lorawan.DevAddr{1, 2, 3, 4}, lorawan.AES128Key{}, lorawan.AES128Key{}, Session{}))

	first, err := reg.AdvanceFCntDown(context.Background(), dev.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(0), first)

	second, err := reg.AdvanceFCntDown(context.Background(), dev.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), second)
}

// Invariant 6 / S2: a DevNonce seen before is rejected and leaves no trace.
func TestRecordDevNonce_RejectsReplay(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	store := newFakeStore(testDevice(eui))
	reg := New(store)
	dev, _ := reg.LookupByDevEUI(context.Background(), eui)

	require.NoError(t, reg.RecordDevNonce(dev.ID, 0x1234))
	err := reg.RecordDevNonce(dev.ID, 0x1234)
	require.ErrorIs(t, err, errs.ErrDevNonceReplay)

	// a different nonce is still accepted
	require.NoError(t, reg.RecordDevNonce(dev.ID, 0x1235))
}

func TestLookupBySnapToken(t *testing.T) {
	eui, _ := lorawan.EUI64FromString("0000000000000001")
	dev := testDevice(eui)
	dev.SnapToken = "ABCDEF"
	store := newFakeStore(dev)
	reg := New(store)

	_, err := reg.LookupByDevEUI(context.Background(), eui) // populate cache + token index
	require.NoError(t, err)

	found, err := reg.LookupBySnapToken(context.Background(), "ABCDEF")
	require.NoError(t, err)
	require.Equal(t, dev.ID, found.ID)

	_, err = reg.LookupBySnapToken(context.Background(), "UNKNOWN")
	require.ErrorIs(t, err, errs.ErrUnknownDevice)
}
