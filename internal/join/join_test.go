package join

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/registry"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

func mustKey(t *testing.T, s string) lorawan.AES128Key {
	t.Helper()
	k, err := lorawan.AES128KeyFromString(s)
	require.NoError(t, err)
	return k
}

func mustEUI(t *testing.T, s string) lorawan.EUI64 {
	t.Helper()
	e, err := lorawan.EUI64FromString(s)
	require.NoError(t, err)
	return e
}

func buildJoinRequestFrame(t *testing.T, appKey lorawan.AES128Key, appEUI, devEUI lorawan.EUI64, devNonce uint16) *lorawan.Frame {
	t.Helper()
	raw := []byte{lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}.Byte()}
	raw = append(raw, appEUI.MarshalWire()...)
	raw = append(raw, devEUI.MarshalWire()...)
	raw = append(raw, byte(devNonce), byte(devNonce>>8))
	mic, err := lorawan.MIC(appKey, raw)
	require.NoError(t, err)
	raw = append(raw, mic[:]...)

	frame, err := lorawan.ParseFrame(raw)
	require.NoError(t, err)
	return frame
}

// fakeRegistryStore backs a real *registry.Registry for join tests so the
// engine exercises the actual atomic install path, not a mock.
type fakeRegistryStore struct {
	dev *registry.Device
}

func (s *fakeRegistryStore) LoadDevice(ctx context.Context, eui lorawan.EUI64) (*registry.Device, error) {
	if s.dev.DevEUI != eui {
		return nil, registry.ErrNotFound
	}
	cp := *s.dev
	return &cp, nil
}

func (s *fakeRegistryStore) SaveSession(ctx context.Context, id registry.DeviceID, sess registry.Session) error {
	cp := sess
	s.dev.Session = &cp
	return nil
}

// S1 OTAA join.
func TestEngine_Handle_S1OTAAJoin(t *testing.T) {
	appKey := mustKey(t, "2B7E151628AED2A6ABF7158809CF4F3C")
	devEUI := mustEUI(t, "0000000000000001")
	appEUI := mustEUI(t, "0000000000000002")

	store := &fakeRegistryStore{dev: &registry.Device{ID: 1, DevEUI: devEUI, AppEUI: appEUI, Activation: registry.OTAA, AppKey: appKey}}
	reg := registry.New(store)
	dev, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)

	engine := New(reg, Timing{NetID: 0x000001, RX1DROffset: 0, RX2DataRate: 0, RX2Freq: 869525000, RX1Delay: 1})

	frame := buildJoinRequestFrame(t, appKey, appEUI, devEUI, 0x1234)

	result, err := engine.Handle(context.Background(), dev, frame)
	require.NoError(t, err)
	require.NotNil(t, result)

	after, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)
	require.True(t, after.HasSession())
	require.Equal(t, uint32(0), after.Session.FCntUp)
	require.Equal(t, uint32(0), after.Session.FCntDown)
	require.Equal(t, result.DevAddr, after.Session.DevAddr)

	plaintext, err := lorawan.DecryptJoinAccept(appKey, result.Payload)
	require.NoError(t, err)
	body, err := lorawan.ParseJoinAcceptBody(plaintext[:len(plaintext)-4])
	require.NoError(t, err)
	require.Equal(t, result.DevAddr, body.DevAddr)

	mic, err := lorawan.MIC(appKey, plaintext[:len(plaintext)-4])
	require.NoError(t, err)
	require.Equal(t, mic[:], plaintext[len(plaintext)-4:])
}

// S2 Replay: presenting the same Join-Request twice rejects the second
// with DevNonceReplay and leaves the session from the first attempt intact.
func TestEngine_Handle_S2Replay(t *testing.T) {
	appKey := mustKey(t, "2B7E151628AED2A6ABF7158809CF4F3C")
	devEUI := mustEUI(t, "0000000000000001")
	appEUI := mustEUI(t, "0000000000000002")

	store := &fakeRegistryStore{dev: &registry.Device{ID: 1, DevEUI: devEUI, AppEUI: appEUI, Activation: registry.OTAA, AppKey: appKey}}
	reg := registry.New(store)
	dev, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)

	engine := New(reg, Timing{NetID: 1, RX1Delay: 1})
	frame := buildJoinRequestFrame(t, appKey, appEUI, devEUI, 0x1234)

	first, err := engine.Handle(context.Background(), dev, frame)
	require.NoError(t, err)

	afterFirst, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)

	_, err = engine.Handle(context.Background(), dev, frame)
	require.ErrorIs(t, err, errs.ErrDevNonceReplay)

	afterSecond, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)
	require.Equal(t, afterFirst.Session.DevAddr, afterSecond.Session.DevAddr)
	require.Equal(t, first.DevAddr, afterSecond.Session.DevAddr)
}

func TestEngine_Handle_MicInvalid(t *testing.T) {
	appKey := mustKey(t, "2B7E151628AED2A6ABF7158809CF4F3C")
	wrongKey := mustKey(t, "000102030405060708090a0b0c0d0e0f")
	devEUI := mustEUI(t, "0000000000000001")
	appEUI := mustEUI(t, "0000000000000002")

	store := &fakeRegistryStore{dev: &registry.Device{ID: 1, DevEUI: devEUI, AppEUI: appEUI, Activation: registry.OTAA, AppKey: appKey}}
	reg := registry.New(store)
	dev, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)

	engine := New(reg, Timing{NetID: 1, RX1Delay: 1})
	frame := buildJoinRequestFrame(t, wrongKey, appEUI, devEUI, 0x1234)

	_, err = engine.Handle(context.Background(), dev, frame)
	require.ErrorIs(t, err, errs.ErrMicInvalid)

	after, err := reg.LookupByDevEUI(context.Background(), devEUI)
	require.NoError(t, err)
	require.False(t, after.HasSession(), "no state change on MIC mismatch")
}
