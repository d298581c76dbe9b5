package registry

import (
	"context"
	"sync"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// deviceEntry wraps a Device with the per-device exclusive/shared lock
// spec §5 requires: writers (join install, FCnt advance, DevNonce record)
// take the exclusive side; readers (MIC verification) take the shared
// side and see a consistent snapshot.
type deviceEntry struct {
	mu         sync.RWMutex
	device     Device
	seenNonces map[uint16]struct{}
}

// Registry is the shared device mapping (spec §4.C/§4.I, §5, §9). It owns
// every Device record and the EUI/DevAddr secondary indexes, backed by a
// Store for provisioning reads and session writes.
type Registry struct {
	store Store

	idxMu    sync.RWMutex // guards the index maps below, not device contents
	byID     map[DeviceID]*deviceEntry
	byEUI    map[lorawan.EUI64]DeviceID
	byAddr   map[lorawan.DevAddr]map[DeviceID]struct{}
	byToken  map[string]DeviceID
}

// New constructs an empty registry backed by store.
func New(store Store) *Registry {
	return &Registry{
		store:   store,
		byID:    make(map[DeviceID]*deviceEntry),
		byEUI:   make(map[lorawan.EUI64]DeviceID),
		byAddr:  make(map[lorawan.DevAddr]map[DeviceID]struct{}),
		byToken: make(map[string]DeviceID),
	}
}

// LookupByDevEUI resolves a device by its DevEUI, falling back to the
// store on a cache miss and caching the result. Returns errs.ErrUnknownDevice
// if no provisioning row exists.
func (r *Registry) LookupByDevEUI(ctx context.Context, eui lorawan.EUI64) (Device, error) {
	r.idxMu.RLock()
	id, ok := r.byEUI[eui]
	r.idxMu.RUnlock()
	if ok {
		return r.snapshot(id), nil
	}

	d, err := r.store.LoadDevice(ctx, eui)
	if err == ErrNotFound {
		return Device{}, errs.ErrUnknownDevice
	}
	if err != nil {
		return Device{}, err
	}

	r.adopt(d)
	return r.snapshot(d.ID), nil
}

// LookupByDevAddr returns every cached device currently claiming addr.
// Multiple matches are possible (address reuse across OTAA rejoins); the
// uplink engine disambiguates by MIC (spec §4.E).
func (r *Registry) LookupByDevAddr(addr lorawan.DevAddr) []Device {
	r.idxMu.RLock()
	ids := r.byAddr[addr]
	out := make([]Device, 0, len(ids))
	for id := range ids {
		out = append(out, r.snapshotLocked(id))
	}
	r.idxMu.RUnlock()
	return out
}

func (r *Registry) snapshot(id DeviceID) Device {
	r.idxMu.RLock()
	d := r.snapshotLocked(id)
	r.idxMu.RUnlock()
	return d
}

// snapshotLocked must be called with idxMu held (read or write).
func (r *Registry) snapshotLocked(id DeviceID) Device {
	entry, ok := r.byID[id]
	if !ok {
		return Device{}
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	cp := entry.device
	if entry.device.Session != nil {
		sess := *entry.device.Session
		cp.Session = &sess
	}
	return cp
}

// adopt inserts a freshly loaded device into the cache and its indexes.
func (r *Registry) adopt(d *Device) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	entry := &deviceEntry{device: *d, seenNonces: make(map[uint16]struct{})}
	r.byID[d.ID] = entry
	r.byEUI[d.DevEUI] = d.ID
	if d.SnapToken != "" {
		r.byToken[d.SnapToken] = d.ID
	}
	if d.Session != nil {
		r.indexAddrLocked(d.ID, d.Session.DevAddr)
	}
}

// LookupBySnapToken resolves a device by its Snap ingestion token (spec's
// [MODULE J]). Only devices already in the cache (loaded by an earlier
// LookupByDevEUI) are found; a token not in the cache returns
// errs.ErrUnknownDevice without consulting the store.
func (r *Registry) LookupBySnapToken(ctx context.Context, token string) (Device, error) {
	r.idxMu.RLock()
	id, ok := r.byToken[token]
	r.idxMu.RUnlock()
	if !ok {
		return Device{}, errs.ErrUnknownDevice
	}
	return r.snapshot(id), nil
}

func (r *Registry) indexAddrLocked(id DeviceID, addr lorawan.DevAddr) {
	set, ok := r.byAddr[addr]
	if !ok {
		set = make(map[DeviceID]struct{})
		r.byAddr[addr] = set
	}
	set[id] = struct{}{}
}

// RecordDevNonce rejects a DevNonce already seen for this device since its
// last key roll (spec §4.C). Call before deriving session keys so a
// replayed Join-Request is rejected without wasted crypto work.
func (r *Registry) RecordDevNonce(id DeviceID, nonce uint16) error {
	entry := r.entry(id)
	if entry == nil {
		return errs.ErrUnknownDevice
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, seen := entry.seenNonces[nonce]; seen {
		return errs.ErrDevNonceReplay
	}
	entry.seenNonces[nonce] = struct{}{}
	return nil
}

// InstallSession atomically replaces a device's session: persists the new
// state, then swaps it into memory and reindexes DevAddr, all under the
// device's exclusive lock. Either every part of the new state becomes
// visible or none of it does (spec §4.D's atomicity requirement).
func (r *Registry) InstallSession(ctx context.Context, id DeviceID, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, joinedAt Session) error {
	entry := r.entry(id)
	if entry == nil {
		return errs.ErrUnknownDevice
	}

	newSession := Session{
		DevAddr:      devAddr,
		NwkSKey:      nwkSKey,
		AppSKey:      appSKey,
		FCntUp:       0,
		FCntDown:     0,
		LastDevNonce: joinedAt.LastDevNonce,
		JoinedAt:     joinedAt.JoinedAt,
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := r.store.SaveSession(ctx, id, newSession); err != nil {
		return err
	}

	oldAddr := lorawan.DevAddr{}
	hadOldAddr := false
	if entry.device.Session != nil {
		oldAddr = entry.device.Session.DevAddr
		hadOldAddr = true
	}

	entry.device.Session = &newSession

	r.idxMu.Lock()
	if hadOldAddr && oldAddr != devAddr {
		if set, ok := r.byAddr[oldAddr]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byAddr, oldAddr)
			}
		}
	}
	r.indexAddrLocked(id, devAddr)
	r.idxMu.Unlock()

	return nil
}

// AdvanceFCntUp admits newFCnt only if it strictly exceeds the stored
// value, per spec §4.C.
func (r *Registry) AdvanceFCntUp(ctx context.Context, id DeviceID, newFCnt uint32) error {
	entry := r.entry(id)
	if entry == nil {
		return errs.ErrUnknownDevice
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.device.Session == nil {
		return errs.ErrUnknownDevice
	}
	if newFCnt <= entry.device.Session.FCntUp {
		return errs.ErrFcntReplay
	}

	entry.device.Session.FCntUp = newFCnt
	sess := *entry.device.Session
	if err := r.store.SaveSession(ctx, id, sess); err != nil {
		return err
	}
	return nil
}

// AdvanceFCntDown post-increments FCntDown and returns the value used.
func (r *Registry) AdvanceFCntDown(ctx context.Context, id DeviceID) (uint32, error) {
	entry := r.entry(id)
	if entry == nil {
		return 0, errs.ErrUnknownDevice
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.device.Session == nil {
		return 0, errs.ErrUnknownDevice
	}
	used := entry.device.Session.FCntDown
	entry.device.Session.FCntDown++
	sess := *entry.device.Session
	if err := r.store.SaveSession(ctx, id, sess); err != nil {
		return 0, err
	}
	return used, nil
}

func (r *Registry) entry(id DeviceID) *deviceEntry {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	return r.byID[id]
}
