// Package uplink implements the Data-Up engine (spec §4.E): MIC-based
// candidate resolution across DevAddr collisions, 32-bit frame-counter
// reconstruction with rollover tolerance, and FRMPayload decryption.
package uplink

import (
	"context"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/registry"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// Outcome is what a successfully resolved uplink hands to the orchestration
// layer and, eventually, the event publisher (spec §4.E step 6).
type Outcome struct {
	DeviceID  registry.DeviceID
	Confirm   bool
	FPort     *uint8
	FCnt      uint32
	Bytes     []byte
	GatewayRX registry.GatewayRX
}

// Engine resolves and decrypts Data-Up frames against a Registry.
type Engine struct {
	registry          *registry.Registry
	rolloverTolerance uint32
}

func New(reg *registry.Registry, rolloverTolerance uint32) *Engine {
	return &Engine{registry: reg, rolloverTolerance: rolloverTolerance}
}

type match struct {
	dev    registry.Device
	fcnt32 uint32
}

// Handle runs spec §4.E steps 2-5 over a parsed Data-Up frame against every
// candidate device a DevAddr lookup returned. Among the candidate/counter
// pairs whose MIC matches and whose counter is fresh, the one with the
// smallest FCnt32 reconstruction wins; on equal FCnt32 the earlier
// candidate is kept.
func (e *Engine) Handle(ctx context.Context, candidates []registry.Device, frame *lorawan.Frame, rx registry.GatewayRX) (*Outcome, error) {
	data := frame.Data
	msg := lorawan.FrameMICBody(frame.Raw)
	confirm := frame.MHDR.MType == lorawan.ConfirmedDataUp

	var best *match
	sawTooFarAhead := false
	sawReplay := false

	for _, dev := range candidates {
		if dev.Session == nil {
			continue
		}
		stored := dev.Session.FCntUp
		for _, fcnt32 := range fcnt32Candidates(stored, data.FHDR.FCnt) {
			mic, err := lorawan.DataMIC(dev.Session.NwkSKey, true, data.FHDR.DevAddr, fcnt32, msg)
			if err != nil {
				return nil, err
			}
			if mic != frame.MIC {
				continue
			}
			// MIC matches this device/counter pairing, so the frame is
			// authentically from this device; only its recency is in
			// question now.
			if fcnt32 <= stored {
				sawReplay = true
				continue
			}
			if fcnt32-stored > e.rolloverTolerance {
				sawTooFarAhead = true
				continue
			}
			if best == nil || fcnt32 < best.fcnt32 {
				best = &match{dev: dev, fcnt32: fcnt32}
			}
		}
	}

	if best == nil {
		if sawReplay {
			return nil, errs.ErrFcntReplay
		}
		if sawTooFarAhead {
			return nil, errs.ErrFcntTooFarAhead
		}
		return nil, errs.ErrMicInvalid
	}

	if err := e.registry.AdvanceFCntUp(ctx, best.dev.ID, best.fcnt32); err != nil {
		return nil, err
	}

	var decrypted []byte
	if data.FPort != nil && len(data.FRMPayload) > 0 {
		key := best.dev.Session.AppSKey
		if *data.FPort == 0 {
			key = best.dev.Session.NwkSKey
		}
		pt, err := lorawan.CryptFRMPayload(key, true, data.FHDR.DevAddr, best.fcnt32, data.FRMPayload)
		if err != nil {
			return nil, err
		}
		decrypted = pt
	}

	return &Outcome{
		DeviceID:  best.dev.ID,
		Confirm:   confirm,
		FPort:     data.FPort,
		FCnt:      best.fcnt32,
		Bytes:     decrypted,
		GatewayRX: rx,
	}, nil
}

// fcnt32Candidates reconstructs the two possible 32-bit frame counters for a
// 16-bit on-air value against the stored counter's upper bits, smallest
// first (spec §4.E step 3).
func fcnt32Candidates(stored uint32, onAir uint16) []uint32 {
	high := stored &^ 0xFFFF
	a := high | uint32(onAir)
	b := a + 0x10000
	return []uint32{a, b}
}
