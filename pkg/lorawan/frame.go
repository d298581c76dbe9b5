package lorawan

import (
	"encoding/binary"
)

// FrameKind tags the variant held by a parsed Frame (spec §3).
type FrameKind int

const (
	FrameJoinRequest FrameKind = iota
	FrameJoinAccept
	FrameDataUp
	FrameDataDown
)

// Frame is the tagged-variant result of ParseFrame. Only the field matching
// Kind is populated. MIC verification is deliberately not performed here —
// it requires keys the parser does not have (spec §4.B).
type Frame struct {
	Kind FrameKind
	MHDR MHDR
	Raw  []byte // the full, unmodified input — needed to recompute MIC

	JoinRequest *JoinRequestPayload
	Data        *DataPayload // populated for both FrameDataUp and FrameDataDown
	MIC         [4]byte
}

// ParseFrame decodes a raw PHY payload into its tagged variant per §4.B. It
// does not verify any MIC. A buffer shorter than 1 byte, or shorter than a
// variant's minimum length, fails with errTruncated; an FOptsLen that
// claims more bytes than are present fails with errMalformedMAC; an
// MHDR.MType of RFU or an out-of-range value fails with errUnknownMType.
func ParseFrame(raw []byte) (*Frame, error) {
	if len(raw) < 1 {
		return nil, errTruncated("empty buffer")
	}

	mhdr := ParseMHDR(raw[0])
	f := &Frame{Kind: FrameKind(mhdr.MType), MHDR: mhdr, Raw: raw}

	switch mhdr.MType {
	case JoinRequest:
		f.Kind = FrameJoinRequest
		jr, mic, err := parseJoinRequest(raw)
		if err != nil {
			return nil, err
		}
		f.JoinRequest = jr
		f.MIC = mic
		return f, nil

	case JoinAccept:
		f.Kind = FrameJoinAccept
		// Join-Accept is emitted by this side, not parsed from the wire in
		// the ingest path; callers that need to decode one (tests, or a
		// device simulator) use DecryptJoinAccept + ParseJoinAcceptBody.
		return f, nil

	case UnconfirmedDataUp, ConfirmedDataUp:
		f.Kind = FrameDataUp
		data, mic, err := parseDataPayload(raw, true)
		if err != nil {
			return nil, err
		}
		f.Data = data
		f.MIC = mic
		return f, nil

	case UnconfirmedDataDown, ConfirmedDataDown:
		f.Kind = FrameDataDown
		data, mic, err := parseDataPayload(raw, false)
		if err != nil {
			return nil, err
		}
		f.Data = data
		f.MIC = mic
		return f, nil

	default:
		return nil, errUnknownMType(raw[0])
	}
}

const joinRequestBodyLen = 1 + 8 + 8 + 2 + 4 // MHDR + AppEUI + DevEUI + DevNonce + MIC

func parseJoinRequest(raw []byte) (*JoinRequestPayload, [4]byte, error) {
	var mic [4]byte
	if len(raw) != joinRequestBodyLen {
		return nil, mic, errTruncated("join-request must be exactly 23 bytes")
	}

	appEUI, err := EUI64FromWire(raw[1:9])
	if err != nil {
		return nil, mic, errMalformedMAC(err.Error())
	}
	devEUI, err := EUI64FromWire(raw[9:17])
	if err != nil {
		return nil, mic, errMalformedMAC(err.Error())
	}
	devNonce := binary.LittleEndian.Uint16(raw[17:19])
	copy(mic[:], raw[19:23])

	return &JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: devNonce}, mic, nil
}

// FrameMICBody returns the bytes a frame's MIC is computed over: everything
// but the trailing 4-byte MIC. Join-Request and Data-Up/Down frames all MIC
// over "everything preceding the MIC", so one helper serves both.
func FrameMICBody(raw []byte) []byte {
	return raw[:len(raw)-4]
}

func parseDataPayload(raw []byte, uplink bool) (*DataPayload, [4]byte, error) {
	var mic [4]byte
	// MHDR(1) + DevAddr(4) + FCtrl(1) + FCnt(2) + MIC(4) is the minimum.
	if len(raw) < 1+4+1+2+4 {
		return nil, mic, errTruncated("data frame shorter than minimum FHDR+MIC")
	}

	macPayload := raw[1 : len(raw)-4]
	copy(mic[:], raw[len(raw)-4:])

	pos := 0
	var devAddr DevAddr
	copy(devAddr[:], macPayload[pos:pos+4])
	pos += 4

	fctrlByte := macPayload[pos]
	pos++
	foptsLen := int(fctrlByte & 0x0F)

	fcnt := binary.LittleEndian.Uint16(macPayload[pos : pos+2])
	pos += 2

	if pos+foptsLen > len(macPayload) {
		return nil, mic, errMalformedMAC("FOptsLen exceeds remaining frame")
	}
	fopts := macPayload[pos : pos+foptsLen]
	pos += foptsLen

	fctrl := FCtrl{
		ADR:      fctrlByte&0x80 != 0,
		ACK:      fctrlByte&0x20 != 0,
		FOptsLen: uint8(foptsLen),
	}
	if uplink {
		fctrl.ADRACKReq = fctrlByte&0x40 != 0
		fctrl.ClassB = fctrlByte&0x10 != 0
	} else {
		fctrl.FPending = fctrlByte&0x10 != 0
	}

	data := &DataPayload{
		FHDR: FHDR{DevAddr: devAddr, FCtrl: fctrl, FCnt: fcnt, FOpts: fopts},
	}

	if pos < len(macPayload) {
		fport := macPayload[pos]
		data.FPort = &fport
		pos++
		data.FRMPayload = macPayload[pos:]
	}

	return data, mic, nil
}

// MarshalJoinAcceptBody encodes a Join-Accept payload (before MIC/
// encryption) as AppNonce(3) | NetID(3) | DevAddr(4) | DLSettings(1) |
// RxDelay(1) [| CFList], all little-endian per §3/§4.D.
func MarshalJoinAcceptBody(p JoinAcceptPayload) []byte {
	size := 12 + len(p.CFList)
	out := make([]byte, size)
	put24LE(out[0:3], p.AppNonce)
	put24LE(out[3:6], p.NetID)
	copy(out[6:10], p.DevAddr[:])
	out[10] = p.DLSettings.Byte()
	out[11] = p.RxDelay
	copy(out[12:], p.CFList)
	return out
}

// ParseJoinAcceptBody reverses MarshalJoinAcceptBody over a decrypted,
// MIC-stripped Join-Accept body.
func ParseJoinAcceptBody(body []byte) (JoinAcceptPayload, error) {
	var p JoinAcceptPayload
	if len(body) < 12 {
		return p, errTruncated("join-accept body shorter than 12 bytes")
	}
	p.AppNonce = get24LE(body[0:3])
	p.NetID = get24LE(body[3:6])
	copy(p.DevAddr[:], body[6:10])
	p.DLSettings = DLSettings{
		RX1DROffset: (body[10] >> 4) & 0x07,
		RX2DataRate: body[10] & 0x0F,
	}
	p.RxDelay = body[11]
	if len(body) > 12 {
		p.CFList = append([]byte(nil), body[12:]...)
	}
	return p, nil
}

// MarshalDataPayload encodes a DataPayload back into the MACPayload bytes
// that sit between MHDR and MIC on the wire. FRMPayload is taken as-is
// (already encrypted by the caller).
func MarshalDataPayload(d DataPayload, uplink bool) []byte {
	out := make([]byte, 0, 7+len(d.FHDR.FOpts)+1+len(d.FRMPayload))
	out = append(out, d.FHDR.DevAddr[:]...)

	var fctrl byte
	if d.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if uplink {
		if d.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if d.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if d.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	if d.FHDR.FCtrl.ACK {
		fctrl |= 0x20
	}
	fctrl |= byte(len(d.FHDR.FOpts)) & 0x0F
	out = append(out, fctrl)

	var fcntBuf [2]byte
	binary.LittleEndian.PutUint16(fcntBuf[:], d.FHDR.FCnt)
	out = append(out, fcntBuf[:]...)
	out = append(out, d.FHDR.FOpts...)

	if d.FPort != nil {
		out = append(out, *d.FPort)
		out = append(out, d.FRMPayload...)
	}
	return out
}
