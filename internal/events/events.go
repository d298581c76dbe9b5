// Package events publishes self-describing JSON documents onto the message
// bus (spec §4.H). Every document is tagged by an "event" discriminator so
// a single topic can carry several event shapes; delivery is at-least-once,
// so consumers key on FCnt+DeviceId to dedupe.
package events

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lora-devicemgr/device-manager/internal/errs"
)

// Kind is the "event" discriminator carried by every published document.
type Kind string

const (
	JoinRequest  Kind = "JoinRequest"
	JoinAccept   Kind = "JoinAccept"
	UplinkData   Kind = "UplinkData"
	DownLinkData Kind = "DownLinkData"
	Gateway      Kind = "Gateway"
	SnapDevice   Kind = "SnapDevice"
)

// Topic names spec §4.H fixes.
const (
	TopicLoRaNodeEvent  = "LoRaNode-Event"
	TopicDeviceDownlink = "Device-Downlink"
	TopicPlatformLogs   = "PLATFORM_LOGS"
)

// Publisher wraps a NATS connection with the packet plane's three topics,
// following the teacher's build-a-map/marshal/Publish shape.
type Publisher struct {
	nc *nats.Conn
}

func New(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

func (p *Publisher) publish(topic string, body map[string]interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(topic, data); err != nil {
		return &errs.BusPublishError{Topic: topic, Err: err}
	}
	return nil
}

// PublishJoinRequest is emitted before the join engine is attempted (spec
// §4.I step 2), so an operator can see join attempts even if they fail.
func (p *Publisher) PublishJoinRequest(devEUI, appEUI string, devNonce uint16) {
	if err := p.publish(TopicLoRaNodeEvent, map[string]interface{}{
		"event":    JoinRequest,
		"devEUI":   devEUI,
		"appEUI":   appEUI,
		"devNonce": devNonce,
	}); err != nil {
		log.Error().Err(err).Str("devEUI", devEUI).Msg("publish join request event")
	}
}

// PublishJoinAccept is emitted after a join engine success installs a
// session.
func (p *Publisher) PublishJoinAccept(devEUI, devAddr string) {
	if err := p.publish(TopicLoRaNodeEvent, map[string]interface{}{
		"event":   JoinAccept,
		"devEUI":  devEUI,
		"devAddr": devAddr,
	}); err != nil {
		log.Error().Err(err).Str("devEUI", devEUI).Msg("publish join accept event")
	}
}

// PublishUplinkData carries a resolved uplink outcome, optionally with the
// decoded value sequence attached (spec §4.I step 3).
func (p *Publisher) PublishUplinkData(devEUI, devAddr string, fCnt uint32, fPort *uint8, confirm bool, rssi, snr float64, decoded []interface{}) {
	body := map[string]interface{}{
		"event":   UplinkData,
		"devEUI":  devEUI,
		"devAddr": devAddr,
		"fCnt":    fCnt,
		"confirm": confirm,
		"rssi":    rssi,
		"snr":     snr,
	}
	if fPort != nil {
		body["fPort"] = *fPort
	}
	if decoded != nil {
		body["decoded"] = decoded
	}
	if err := p.publish(TopicLoRaNodeEvent, body); err != nil {
		log.Error().Err(err).Str("devEUI", devEUI).Msg("publish uplink data event")
	}
}

// PublishDownlinkData announces an outbound downlink being scheduled,
// carrying the ready-to-transmit payload (e.g. a Join-Accept ciphertext)
// base64-encoded, since JSON has no native byte-string type.
func (p *Publisher) PublishDownlinkData(devEUI string, messageID string, fPort uint8, confirm bool, payload []byte) {
	if err := p.publish(TopicDeviceDownlink, map[string]interface{}{
		"event":     DownLinkData,
		"devEUI":    devEUI,
		"messageId": messageID,
		"fPort":     fPort,
		"confirm":   confirm,
		"payload":   base64.StdEncoding.EncodeToString(payload),
	}); err != nil {
		log.Error().Err(err).Str("devEUI", devEUI).Msg("publish downlink data event")
	}
}

// PublishSnapDevice announces a frame accepted through the Snap ingestion
// path (spec's [MODULE J]).
func (p *Publisher) PublishSnapDevice(deviceToken string, rssi float64, frequency uint32) {
	if err := p.publish(TopicLoRaNodeEvent, map[string]interface{}{
		"event":       SnapDevice,
		"deviceToken": deviceToken,
		"rssi":        rssi,
		"frequency":   frequency,
	}); err != nil {
		log.Error().Err(err).Str("deviceToken", deviceToken).Msg("publish snap device event")
	}
}

// PublishPlatformLog reports an operator-visible log line onto
// PLATFORM_LOGS without interrupting ingest (spec §4.I step 4).
func (p *Publisher) PublishPlatformLog(severity, reason string, fields map[string]interface{}) {
	body := map[string]interface{}{
		"event":     Gateway,
		"severity":  severity,
		"reason":    reason,
		"timestamp": time.Now().UTC(),
	}
	for k, v := range fields {
		body[k] = v
	}
	if err := p.publish(TopicPlatformLogs, body); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("publish platform log")
	}
}
