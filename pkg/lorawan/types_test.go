package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEUI64_WireDisplayRoundTrip(t *testing.T) {
	display, err := EUI64FromString("0001020304050607")
	require.NoError(t, err)
	require.Equal(t, "0001020304050607", display.String())

	wire := display.MarshalWire()
	require.Equal(t, []byte{0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x00}, wire)

	back, err := EUI64FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, display, back)
}

func TestEUI64_JSONRoundTrip(t *testing.T) {
	e, err := EUI64FromString("DEADBEEF00112233")
	require.NoError(t, err)

	data, err := e.MarshalJSON()
	require.NoError(t, err)

	var back EUI64
	require.NoError(t, back.UnmarshalJSON(data))
	require.Equal(t, e, back)
}

func TestMHDR_ByteRoundTrip(t *testing.T) {
	for mt := JoinRequest; mt <= Proprietary; mt++ {
		h := MHDR{MType: mt, Major: LoRaWAN1_0}
		parsed := ParseMHDR(h.Byte())
		require.Equal(t, h, parsed)
	}
}

func TestMType_IsUplinkIsConfirmed(t *testing.T) {
	require.True(t, JoinRequest.IsUplink())
	require.True(t, UnconfirmedDataUp.IsUplink())
	require.True(t, ConfirmedDataUp.IsUplink())
	require.False(t, UnconfirmedDataDown.IsUplink())
	require.False(t, JoinAccept.IsUplink())

	require.True(t, ConfirmedDataUp.IsConfirmed())
	require.True(t, ConfirmedDataDown.IsConfirmed())
	require.False(t, UnconfirmedDataUp.IsConfirmed())
}
