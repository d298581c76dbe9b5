// Package join implements the OTAA join engine (spec §4.D): validates a
// Join-Request, derives session keys, allocates a DevAddr, and builds the
// encrypted Join-Accept the gateway hands back to the device.
package join

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/registry"
	"github.com/lora-devicemgr/device-manager/pkg/crypto"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// Timing mirrors the config fields a Join-Accept's DLSettings/RxDelay need.
type Timing struct {
	NetID       uint32
	RX1DROffset uint8
	RX2DataRate uint8
	RX2Freq     uint32
	RX1Delay    uint8
}

// Result is what a successful join hands back to the orchestration layer.
type Result struct {
	DeviceID DeviceID
	DevAddr  lorawan.DevAddr
	Payload  []byte // encrypted Join-Accept ciphertext, ready to transmit
	Timing   lorawan.DownlinkTiming
}

// DeviceID aliases registry.DeviceID so callers outside registry don't need
// to import it just to read a join Result.
type DeviceID = registry.DeviceID

// Engine runs the join protocol against a Registry.
type Engine struct {
	registry *registry.Registry
	timing   Timing
}

func New(reg *registry.Registry, timing Timing) *Engine {
	return &Engine{registry: reg, timing: timing}
}

// Handle runs spec §4.D steps 1-8 over a parsed Join-Request frame for an
// already-resolved OTAA device. It returns the Join-Accept ciphertext and
// downlink timing on success, or one of errs.ErrMicInvalid/ErrDevNonceReplay
// on rejection (neither of which mutates registry state).
func (e *Engine) Handle(ctx context.Context, dev registry.Device, frame *lorawan.Frame) (*Result, error) {
	jr := frame.JoinRequest

	computedMIC, err := lorawan.MIC(dev.AppKey, lorawan.FrameMICBody(frame.Raw))
	if err != nil {
		return nil, err
	}
	if computedMIC != frame.MIC {
		return nil, errs.ErrMicInvalid
	}

	if err := e.registry.RecordDevNonce(dev.ID, jr.DevNonce); err != nil {
		return nil, err
	}

	appNonce, err := crypto.RandomAppNonce()
	if err != nil {
		return nil, err
	}

	nwkSKey, appSKey := lorawan.DeriveSessionKeys(dev.AppKey, appNonce, e.timing.NetID, jr.DevNonce)

	devAddr := allocateDevAddr(e.timing.NetID, dev.ID)

	body := lorawan.MarshalJoinAcceptBody(lorawan.JoinAcceptPayload{
		AppNonce: appNonce,
		NetID:    e.timing.NetID,
		DevAddr:  devAddr,
		DLSettings: lorawan.DLSettings{
			RX1DROffset: e.timing.RX1DROffset,
			RX2DataRate: e.timing.RX2DataRate,
		},
		RxDelay: e.timing.RX1Delay,
	})

	mic, err := lorawan.MIC(dev.AppKey, body)
	if err != nil {
		return nil, err
	}

	ciphertext, err := lorawan.EncryptJoinAccept(dev.AppKey, append(body, mic[:]...))
	if err != nil {
		return nil, err
	}

	sess := registry.Session{LastDevNonce: jr.DevNonce, JoinedAt: time.Now()}
	if err := e.registry.InstallSession(ctx, dev.ID, devAddr, nwkSKey, appSKey, sess); err != nil {
		return nil, err
	}

	return &Result{
		DeviceID: dev.ID,
		DevAddr:  devAddr,
		Payload:  ciphertext,
		Timing: lorawan.DownlinkTiming{
			RX1Offset: e.timing.RX1DROffset,
			RX1Delay:  e.timing.RX1Delay,
			RX2DR:     e.timing.RX2DataRate,
			RX2Freq:   e.timing.RX2Freq,
		},
	}, nil
}

// allocateDevAddr derives a stable DevAddr from the network's NetID and a
// device's id (spec §4.D step 6: "deterministic function of DeviceId or
// pool"). The top 7 bits carry the NetID's NwkID per the LoRaWAN DevAddr
// layout; the remaining 25 bits come from a hash of the device id so
// repeated joins by the same device land on the same address.
func allocateDevAddr(netID uint32, id registry.DeviceID) lorawan.DevAddr {
	nwkID := byte(netID & 0x7F)

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(id))
	sum := sha256.Sum256(idBuf[:])

	addrInt := (uint32(nwkID) << 25) | (binary.BigEndian.Uint32(sum[:4]) & 0x01FFFFFF)

	var addr lorawan.DevAddr
	binary.BigEndian.PutUint32(addr[:], addrInt)
	return addr
}
