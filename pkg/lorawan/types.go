// Package lorawan implements the wire-level LoRaWAN 1.0.x primitives used
// by the device manager: identifier types, the AES/CMAC codec, and the PHY
// frame parser. It has no knowledge of device state or sessions — that
// lives in internal/registry.
package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 is an 8-byte identifier (DevEUI or AppEUI/JoinEUI). The in-memory
// representation is always big-endian ("display" order); LoRaWAN Join
// frames carry it little-endian on the wire, so call sites must go through
// MarshalWire/EUI64FromWire when touching raw frame bytes.
type EUI64 [8]byte

// String renders the EUI in its canonical display form: big-endian,
// upper-case hex.
func (e EUI64) String() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// MarshalWire returns the little-endian wire encoding used inside LoRaWAN
// Join-Request/Join-Accept frames.
func (e EUI64) MarshalWire() []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = e[7-i]
	}
	return out
}

// EUI64FromWire reverses MarshalWire.
func EUI64FromWire(b []byte) (EUI64, error) {
	var e EUI64
	if len(b) != 8 {
		return e, fmt.Errorf("lorawan: invalid EUI64 wire length %d", len(b))
	}
	for i := 0; i < 8; i++ {
		e[i] = b[7-i]
	}
	return e, nil
}

// EUI64FromString parses the canonical big-endian hex display form.
func EUI64FromString(s string) (EUI64, error) {
	var e EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, err
	}
	if len(b) != 8 {
		return e, fmt.Errorf("lorawan: invalid EUI64 length %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := EUI64FromString(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// DevAddr is the 4-byte network-assigned device address.
type DevAddr [4]byte

func (d DevAddr) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

func DevAddrFromString(s string) (DevAddr, error) {
	var d DevAddr
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != 4 {
		return d, fmt.Errorf("lorawan: invalid DevAddr length %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// AES128Key is a 16-byte AES-128 key (AppKey, NwkSKey, AppSKey, ...).
type AES128Key [16]byte

func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

func AES128KeyFromString(s string) (AES128Key, error) {
	var k AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != 16 {
		return k, fmt.Errorf("lorawan: invalid AES128Key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MType is the 3-bit LoRaWAN message type carried in MHDR's top bits.
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// IsUplink reports whether frames of this type originate at the device.
func (m MType) IsUplink() bool {
	return m == JoinRequest || m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// IsConfirmed reports whether the sender expects an acknowledgement.
func (m MType) IsConfirmed() bool {
	return m == ConfirmedDataUp || m == ConfirmedDataDown
}

// Major is the LoRaWAN major version field (bottom 2 bits of MHDR).
type Major byte

const (
	LoRaWAN1_0 Major = 0
)

// MHDR is the single-byte MAC header.
type MHDR struct {
	MType MType
	Major Major
}

// Byte encodes the MHDR back to its single wire byte.
func (h MHDR) Byte() byte {
	return byte(h.MType<<5) | byte(h.Major&0x03)
}

// ParseMHDR decodes the first byte of a PHY payload.
func ParseMHDR(b byte) MHDR {
	return MHDR{
		MType: MType((b >> 5) & 0x07),
		Major: Major(b & 0x03),
	}
}

// FCtrl is the frame-control byte, interpreted per direction.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool // uplink only
	ACK       bool
	ClassB    bool // uplink only
	FPending  bool // downlink only
	FOptsLen  uint8
}

// FHDR is the frame header shared by Data-Up and Data-Down MACPayloads.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16 // on-air 16-bit counter; §4.E reconstructs the full 32-bit value
	FOpts   []byte
}

// DLSettings carries the RX1 offset and RX2 data rate sent in Join-Accept.
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

func (d DLSettings) Byte() byte {
	return (d.RX1DROffset&0x07)<<4 | (d.RX2DataRate & 0x0F)
}

// JoinRequestPayload is the parsed Join-Request MACPayload.
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// JoinAcceptPayload is the parsed/constructed Join-Accept MACPayload
// (before MIC and the quirky AES-ECB-decrypt encryption are applied).
type JoinAcceptPayload struct {
	AppNonce   uint32 // 24-bit value, top byte unused
	NetID      uint32 // 24-bit value, top byte unused
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DataPayload is the parsed Data-Up/Data-Down MACPayload.
type DataPayload struct {
	FHDR       FHDR
	FPort      *uint8 // nil means no FPort/FRMPayload present
	FRMPayload []byte // still encrypted at parse time; see §4.E
}

// DownlinkTiming describes the RX1/RX2 windows a Join-Accept or data
// acknowledgement schedules for the device.
type DownlinkTiming struct {
	RX1Offset uint8
	RX1Delay  uint8
	RX2DR     uint8
	RX2Freq   uint32
}
