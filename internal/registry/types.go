// Package registry is the device manager's key store / session cache
// (spec §4.C). Routing inbound frames to the join and uplink engines lives
// in internal/ingest, not here. It owns the authoritative in-memory view of
// every provisioned device and is the only package that mutates session
// state.
package registry

import (
	"time"

	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// ActivationMode distinguishes OTAA devices (which join) from ABP devices
// (born with a session).
type ActivationMode string

const (
	OTAA ActivationMode = "OTAA"
	ABP  ActivationMode = "ABP"
)

// DeviceID is the opaque, stable identifier spec.md §3 names.
type DeviceID int64

// Device is one provisioned end device (spec §3 "Device record").
type Device struct {
	ID         DeviceID
	DevEUI     lorawan.EUI64
	AppEUI     lorawan.EUI64
	Activation ActivationMode
	Region     string

	// AppKey is set only for OTAA devices.
	AppKey lorawan.AES128Key

	// SnapToken, if non-empty, is this device's identifier on the
	// supplemental Snap ingestion path (spec's [MODULE J]).
	SnapToken string

	// Session is nil until a join completes (OTAA) or is pre-provisioned
	// (ABP, which is born Joined per spec §4's state machine note).
	Session *Session
}

// HasSession reports the invariant from spec §3: a session exists iff
// DevAddr/NwkSKey/AppSKey are all set.
func (d *Device) HasSession() bool {
	return d.Session != nil
}

// Session is the per-device cryptographic and counter state installed by
// a successful join, or present at provisioning time for ABP.
type Session struct {
	DevAddr      lorawan.DevAddr
	NwkSKey      lorawan.AES128Key
	AppSKey      lorawan.AES128Key
	FCntUp       uint32
	FCntDown     uint32
	LastDevNonce uint16
	JoinedAt     time.Time
}

// GatewayRX is the receive metadata a gateway ingest collaborator attaches
// to every raw frame (spec §6 inbound contract).
type GatewayRX struct {
	GatewayEUI lorawan.EUI64
	RSSI       float64
	SNR        float64
	Frequency  uint32
	Timestamp  time.Time
}
