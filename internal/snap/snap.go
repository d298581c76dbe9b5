// Package snap decodes the supplemental Snap ingestion path's frames
// (spec's [MODULE J]): a small length-prefixed binary envelope carrying a
// device token plus opaque payload bytes, RSSI, and frequency. Snap frames
// carry no LoRaWAN frame counter or MIC; they are a lower-assurance
// ingestion path layered on top of the same registry and event publisher.
package snap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lora-devicemgr/device-manager/internal/events"
	"github.com/lora-devicemgr/device-manager/internal/registry"
)

const (
	supportedVersion = 1
	headerMinLen     = 1 + 1 + 2 + 4 + 2 // version, tokenLen, rssi, frequency, payloadLen
)

// Frame is a decoded Snap envelope.
type Frame struct {
	DeviceToken string
	RSSI        float64
	Frequency   uint32
	Payload     []byte
}

// Parse decodes raw into a Frame. Envelope layout, all big-endian:
//
//	byte 0:       version (must be 1)
//	byte 1:       token length N
//	bytes 2..2+N: device token (raw bytes, not necessarily hex)
//	next 2 bytes: RSSI in dBm*10, signed
//	next 4 bytes: frequency in Hz
//	next 2 bytes: payload length M
//	next M bytes: opaque payload
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < headerMinLen {
		return nil, fmt.Errorf("snap: envelope shorter than minimum header")
	}
	if raw[0] != supportedVersion {
		return nil, fmt.Errorf("snap: unsupported envelope version %d", raw[0])
	}

	tokenLen := int(raw[1])
	pos := 2
	if pos+tokenLen > len(raw) {
		return nil, fmt.Errorf("snap: token length exceeds envelope")
	}
	token := fmt.Sprintf("%X", raw[pos:pos+tokenLen])
	pos += tokenLen

	if pos+8 > len(raw) {
		return nil, fmt.Errorf("snap: envelope truncated before rssi/frequency")
	}
	rssiRaw := int16(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	frequency := binary.BigEndian.Uint32(raw[pos : pos+4])
	pos += 4

	payloadLen := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	if pos+payloadLen > len(raw) {
		return nil, fmt.Errorf("snap: payload length exceeds envelope")
	}

	return &Frame{
		DeviceToken: token,
		RSSI:        float64(rssiRaw) / 10.0,
		Frequency:   frequency,
		Payload:     append([]byte(nil), raw[pos:pos+payloadLen]...),
	}, nil
}

// Ingest resolves a Snap frame's token against the registry and publishes
// a SnapDevice event. An unknown token is logged at info, not an error,
// since Snap devices are a lower-assurance path (spec's [MODULE J]).
func Ingest(ctx context.Context, reg *registry.Registry, pub *events.Publisher, frame *Frame) {
	if _, err := reg.LookupBySnapToken(ctx, frame.DeviceToken); err != nil {
		log.Info().Str("token", frame.DeviceToken).Msg("snap frame from unknown device token")
	}
	pub.PublishSnapDevice(frame.DeviceToken, frame.RSSI, frame.Frequency)
}
