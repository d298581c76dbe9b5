package snap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildEnvelope(token []byte, rssiTenths int16, frequency uint32, payload []byte) []byte {
	raw := []byte{supportedVersion, byte(len(token))}
	raw = append(raw, token...)

	var rssiBuf [2]byte
	binary.BigEndian.PutUint16(rssiBuf[:], uint16(rssiTenths))
	raw = append(raw, rssiBuf[:]...)

	var freqBuf [4]byte
	binary.BigEndian.PutUint32(freqBuf[:], frequency)
	raw = append(raw, freqBuf[:]...)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	raw = append(raw, lenBuf[:]...)
	raw = append(raw, payload...)
	return raw
}

func TestParse_RoundTrip(t *testing.T) {
	raw := buildEnvelope([]byte{0xAB, 0xCD}, -725, 868100000, []byte{0x01, 0x02, 0x03})

	frame, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "ABCD", frame.DeviceToken)
	require.InDelta(t, -72.5, frame.RSSI, 0.0001)
	require.Equal(t, uint32(868100000), frame.Frequency)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, frame.Payload)
}

func TestParse_EmptyPayload(t *testing.T) {
	raw := buildEnvelope([]byte{0x01}, 0, 868100000, nil)
	frame, err := Parse(raw)
	require.NoError(t, err)
	require.Empty(t, frame.Payload)
}

func TestParse_TooShortForHeader(t *testing.T) {
	_, err := Parse([]byte{supportedVersion, 0x00})
	require.Error(t, err)
}

func TestParse_UnsupportedVersion(t *testing.T) {
	raw := buildEnvelope([]byte{0x01}, 0, 1, nil)
	raw[0] = 99
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParse_TokenLengthExceedsEnvelope(t *testing.T) {
	raw := []byte{supportedVersion, 0x10, 0x01, 0x02} // claims 16-byte token, only 2 bytes present
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParse_PayloadLengthExceedsEnvelope(t *testing.T) {
	raw := buildEnvelope([]byte{0x01}, 0, 1, []byte{0xAA})
	raw[len(raw)-3] = 0xFF // inflate the declared payload length past what's present
	_, err := Parse(raw)
	require.Error(t, err)
}
