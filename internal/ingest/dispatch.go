// Package ingest is the registry/orchestration layer (spec §4.I): it
// receives raw gateway frames tagged with RX metadata, dispatches by
// MHDR.MType to the join or uplink engine, and publishes events for every
// outcome without ever letting one bad frame stop the ingest loop.
//
// This lives in its own package rather than inside internal/registry
// because both internal/join and internal/uplink depend on
// internal/registry's types — folding orchestration into registry itself
// would create an import cycle. The dispatch contract is unchanged from
// spec §4.I; only the package boundary moved.
package ingest

import (
	"context"

	"github.com/rs/zerolog/log"

	"fmt"

	"github.com/lora-devicemgr/device-manager/internal/decode"
	"github.com/lora-devicemgr/device-manager/internal/downlink"
	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/internal/events"
	"github.com/lora-devicemgr/device-manager/internal/join"
	"github.com/lora-devicemgr/device-manager/internal/registry"
	"github.com/lora-devicemgr/device-manager/internal/uplink"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// Dispatcher wires the registry to the join and uplink engines, the decode
// runtime, the downlink ticket table, and the event publisher.
type Dispatcher struct {
	registry *registry.Registry
	join     *join.Engine
	uplink   *uplink.Engine
	decode   *decode.Runtime
	downlink *downlink.Manager
	events   *events.Publisher
}

func New(reg *registry.Registry, joinEngine *join.Engine, uplinkEngine *uplink.Engine, decodeRuntime *decode.Runtime, downlinkMgr *downlink.Manager, pub *events.Publisher) *Dispatcher {
	return &Dispatcher{registry: reg, join: joinEngine, uplink: uplinkEngine, decode: decodeRuntime, downlink: downlinkMgr, events: pub}
}

// HandleFrame runs spec §4.I over one raw PHY payload. It never returns an
// error to the caller: every failure is logged and published to
// PLATFORM_LOGS so a single malformed or unauthorized frame cannot stop
// the ingest loop.
func (d *Dispatcher) HandleFrame(ctx context.Context, raw []byte, rx registry.GatewayRX) {
	frame, err := lorawan.ParseFrame(raw)
	if err != nil {
		d.reject("parse_error", err, nil)
		return
	}

	switch frame.Kind {
	case lorawan.FrameJoinRequest:
		d.handleJoin(ctx, frame, rx)
	case lorawan.FrameDataUp:
		d.handleUplink(ctx, frame, rx)
	default:
		d.reject("unexpected_frame_kind", nil, map[string]interface{}{"kind": int(frame.Kind)})
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, frame *lorawan.Frame, rx registry.GatewayRX) {
	jr := frame.JoinRequest
	d.events.PublishJoinRequest(jr.DevEUI.String(), jr.AppEUI.String(), jr.DevNonce)

	dev, err := d.registry.LookupByDevEUI(ctx, jr.DevEUI)
	if err != nil {
		d.reject("unknown_device", err, map[string]interface{}{"devEUI": jr.DevEUI.String()})
		return
	}

	result, err := d.join.Handle(ctx, dev, frame)
	if err != nil {
		d.reject("join_failed", err, map[string]interface{}{"devEUI": jr.DevEUI.String()})
		return
	}

	d.events.PublishJoinAccept(jr.DevEUI.String(), result.DevAddr.String())

	if d.downlink != nil {
		messageID, err := d.downlink.Enqueue(result.DeviceID, 0)
		if err != nil {
			d.reject("downlink_enqueue_failed", err, map[string]interface{}{"devEUI": jr.DevEUI.String()})
			return
		}
		d.events.PublishDownlinkData(jr.DevEUI.String(), messageID.String(), 0, false, result.Payload)
	}
}

func (d *Dispatcher) handleUplink(ctx context.Context, frame *lorawan.Frame, rx registry.GatewayRX) {
	candidates := d.registry.LookupByDevAddr(frame.Data.FHDR.DevAddr)
	if len(candidates) == 0 {
		d.reject("unknown_device", errs.ErrUnknownDevice, map[string]interface{}{"devAddr": frame.Data.FHDR.DevAddr.String()})
		return
	}

	outcome, err := d.uplink.Handle(ctx, candidates, frame, rx)
	if err != nil {
		d.reject("uplink_failed", err, map[string]interface{}{"devAddr": frame.Data.FHDR.DevAddr.String()})
		return
	}

	dev := d.registry.LookupByDevAddr(frame.Data.FHDR.DevAddr)
	devEUI := ""
	for _, c := range dev {
		if c.ID == outcome.DeviceID {
			devEUI = c.DevEUI.String()
			break
		}
	}

	var decoded []interface{}
	if outcome.FPort != nil && *outcome.FPort != 0 && d.decode != nil {
		moduleID := decode.ModuleID(fmt.Sprintf("%d", outcome.DeviceID))
		seq, err := d.decode.Eval(moduleID, outcome.Bytes, *outcome.FPort)
		switch {
		case err == nil:
			decoded = seq
		case err == decode.ErrNoModule:
			// no decoder registered for this device; not an error.
		default:
			d.reject("decode_failed", err, map[string]interface{}{"devEUI": devEUI})
		}
	}

	d.events.PublishUplinkData(devEUI, frame.Data.FHDR.DevAddr.String(), outcome.FCnt, outcome.FPort, outcome.Confirm, rx.RSSI, rx.SNR, decoded)

	if frame.Data.FHDR.FCtrl.ACK && d.downlink != nil {
		d.downlink.DeliverAckForDevice(outcome.DeviceID, nil)
	}
}

func (d *Dispatcher) reject(reason string, err error, fields map[string]interface{}) {
	msg := reason
	if err != nil {
		msg = err.Error()
	}
	log.Warn().Str("reason", reason).Err(err).Msg("ingest rejected frame")
	d.events.PublishPlatformLog("warn", msg, fields)
}
