// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package lorawan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stratotrack/tracker/internal/region"
)

// ErrNoContext means a switch was requested to a region the store has
// no session for. The caller keeps its current region.
var ErrNoContext = errors.New("no stored session for region")

const (
	// joinRetryDelay spaces OTAA attempts while provisioning. Joins
	// retry forever; a balloon on the pad has nowhere to be.
	joinRetryDelay = 30 * time.Second

	// pumpTick is the MAC service cadence while waiting.
	pumpTick = 250 * time.Millisecond

	// reinitSettle is the minimum pump time between rebuilding the MAC
	// and restoring a session into it.
	reinitSettle = 100 * time.Millisecond

	// switchBusyWait bounds how long a region switch waits for the MAC
	// to go idle after restart.
	switchBusyWait = 700 * time.Millisecond
)

// ManagerOptions wire a Manager.
type ManagerOptions struct {
	MAC             MAC
	Store           *region.Store
	Identities      map[region.Region]Identity
	DefaultDataRate uint8
	AppPort         uint8
}

// Manager owns the MAC and the region store together. It provisions
// regions on the ground, resumes the active session after boot, and
// hot-switches regions in flight without re-joining.
type Manager struct {
	mac        MAC
	store      *region.Store
	identities map[region.Region]Identity

	defaultDataRate uint8
	appPort         uint8

	// active is the durable notion of the flight's current region.
	// bound is the region the MAC was last rebuilt on; the two diverge
	// during provisioning, when the MAC walks the region list while
	// active stays on the first join.
	active  region.Region
	bound   region.Region
	started time.Time
}

// NewManager builds a manager. Nothing is joined or resumed yet.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		mac:             opts.MAC,
		store:           opts.Store,
		identities:      opts.Identities,
		defaultDataRate: opts.DefaultDataRate,
		appPort:         opts.AppPort,
		started:         time.Now(),
	}
}

// Active returns the current region, empty before resume/provisioning.
func (m *Manager) Active() region.Region { return m.active }

// Joined reports whether the MAC holds a live session.
func (m *Manager) Joined() bool { return m.mac.Joined() }

// pump services the MAC for at least d.
func (m *Manager) pump(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		m.mac.Process()
		if !time.Now().Before(deadline) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (m *Manager) identity(r region.Region) (Identity, error) {
	id, ok := m.identities[r]
	if !ok {
		return Identity{}, fmt.Errorf("no identity configured for region %s", r)
	}
	return id, nil
}

// ProvisionAll joins every listed region in order, spacing the joins.
// Regions with a stored session are skipped; the MAC NVM is wiped once
// before the first actual join so a fresh flight starts with a clean
// DevNonce history.
func (m *Manager) ProvisionAll(ctx context.Context, regions []region.Region, spacing time.Duration) error {
	firstJoin := true
	for i, r := range regions {
		if m.store.IsRegionJoined(r) {
			log.Printf("lorawan: %s already provisioned, skipping", r)
			continue
		}
		if firstJoin {
			if err := m.mac.EraseNVM(); err != nil {
				return fmt.Errorf("erase mac nvm: %w", err)
			}
			firstJoin = false
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spacing):
			}
		}
		if err := m.JoinRegion(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// JoinRegion runs OTAA for one region, retrying until it succeeds or
// the context ends, then freezes the session into the store. The first
// joined region becomes active.
func (m *Manager) JoinRegion(ctx context.Context, r region.Region) error {
	id, err := m.identity(r)
	if err != nil {
		return err
	}
	if err := m.mac.Reinit(string(r)); err != nil {
		return err
	}
	m.mac.SetIdentity(id)
	m.bound = r

	for {
		err := m.mac.Join(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("lorawan: join %s failed: %v, retrying in %s", r, err, joinRetryDelay)
		deadline := time.Now().Add(joinRetryDelay)
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.mac.Process()
			time.Sleep(pumpTick)
		}
	}

	slot, err := m.capture(r, id)
	if err != nil {
		return err
	}
	if m.active == "" {
		if err := m.store.SetActive(uint8(slot)); err != nil {
			return err
		}
		if err := m.store.SaveAll(); err != nil {
			return err
		}
		m.active = r
	}
	log.Printf("lorawan: provisioned %s in slot %d", r, slot)
	return nil
}

// Resume restores the store's active session into the MAC after a
// boot. ok is false when nothing was active.
func (m *Manager) Resume() (bool, error) {
	c, ok := m.store.Active()
	if !ok {
		return false, nil
	}
	r, err := c.Region()
	if err != nil {
		return false, err
	}
	id, err := m.identity(r)
	if err != nil {
		return false, err
	}
	if err := m.mac.Reinit(string(r)); err != nil {
		return false, err
	}
	m.mac.SetIdentity(id)
	m.pump(reinitSettle)
	if err := m.mac.Restore(contextToSession(c)); err != nil {
		return false, err
	}
	if err := m.mac.Start(); err != nil {
		return false, err
	}
	m.active = r
	m.bound = r
	log.Printf("lorawan: resumed %s session, fcnt up %d", r, c.FCntUp)
	return true, nil
}

// SwitchRegion moves the live session to another provisioned region.
// The current session is frozen first, so the switch never loses frame
// counters even if it fails partway.
func (m *Manager) SwitchRegion(r region.Region) error {
	if r == m.active && r == m.bound && m.mac.Joined() {
		return nil
	}
	slot, ok := m.store.Find(r)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoContext, r)
	}
	id, err := m.identity(r)
	if err != nil {
		return err
	}

	// Freeze the outgoing session before touching the MAC.
	if m.bound != "" && m.mac.Joined() {
		if _, err := m.captureBound(); err != nil {
			return fmt.Errorf("capture %s before switch: %w", m.bound, err)
		}
	}

	m.mac.Stop()
	if err := m.mac.Reinit(string(r)); err != nil {
		return err
	}
	m.mac.SetIdentity(id)
	m.bound = r
	m.pump(reinitSettle)

	if err := m.mac.Restore(contextToSession(&m.store.Contexts[slot])); err != nil {
		return err
	}
	if err := m.mac.Start(); err != nil {
		return err
	}
	deadline := time.Now().Add(switchBusyWait)
	for m.mac.Busy() {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("switch to %s: %w", r, ErrMACBusy)
		}
		m.mac.Process()
		time.Sleep(25 * time.Millisecond)
	}

	if err := m.store.SetActive(uint8(slot)); err != nil {
		return err
	}
	if err := m.store.SaveAll(); err != nil {
		return err
	}
	m.active = r
	log.Printf("lorawan: switched to %s", r)
	return nil
}

// AutoSwitch consults the region map for the fix position and switches
// when the target region is provisioned. A target with no stored
// session keeps the current region on air.
func (m *Manager) AutoSwitch(lat, lon float64) (region.Region, bool) {
	target, ok := region.Locate(lat, lon)
	if !ok || target == m.active {
		return m.active, false
	}
	if !m.store.IsRegionJoined(target) {
		log.Printf("lorawan: position wants %s but it is not provisioned, staying on %s", target, m.active)
		return m.active, false
	}
	if err := m.SwitchRegion(target); err != nil {
		log.Printf("lorawan: switch to %s failed: %v", target, err)
		return m.active, false
	}
	return target, true
}

// Send encodes the frame as Cayenne LPP and transmits it on the
// configured port. The data rate is pinned to the configured default;
// ADR suggestions do not survive a region switch, a fixed rate does.
func (m *Manager) Send(f Frame) SendStatus {
	return m.mac.Send(m.appPort, EncodeLPP(f), m.defaultDataRate)
}

// CaptureActive freezes the live session's counters into the store.
// The orchestrator calls this after every successful uplink.
func (m *Manager) CaptureActive() error {
	if m.bound == "" {
		return errors.New("no active region")
	}
	if _, err := m.captureBound(); err != nil {
		return err
	}
	return nil
}

// captureBound snapshots the region the MAC actually holds a session
// for, which is not always the active one mid-provisioning.
func (m *Manager) captureBound() (int, error) {
	id, err := m.identity(m.bound)
	if err != nil {
		return 0, err
	}
	return m.capture(m.bound, id)
}

// capture snapshots the MAC session into the region's slot and saves
// the store.
func (m *Manager) capture(r region.Region, id Identity) (int, error) {
	sess, ok := m.mac.Snapshot()
	if !ok {
		return 0, fmt.Errorf("capture %s: mac holds no session", r)
	}
	tag, err := r.Tag()
	if err != nil {
		return 0, err
	}
	ctx := sessionToContext(tag, id, sess, uint32(time.Since(m.started).Seconds()))
	slot, err := m.store.Put(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.store.SaveAll(); err != nil {
		return 0, err
	}
	return slot, nil
}

func sessionToContext(tag uint8, id Identity, s Session, uptime uint32) region.Context {
	c := region.Context{
		RegionTag: tag,
		DevEUI:    id.DevEUI,
		DevAddr:   s.DevAddr,
		AppSKey:   s.AppSKey,
		NwkSKey:   s.NwkSKey,
		FCntUp:    s.FCntUp,
		FCntDown:  s.FCntDown,
		LastRxMIC: s.LastRxMIC,
		DataRate:  s.DataRate,
		TxPower:   s.TxPower,
		RX2Freq:   s.RX2Freq,
		RX2DR:     s.RX2DR,
		LastUsed:  uptime,
	}
	if s.ADREnabled {
		c.ADREnabled = 1
	}
	return c
}

func contextToSession(c *region.Context) Session {
	return Session{
		DevAddr:    c.DevAddr,
		AppSKey:    c.AppSKey,
		NwkSKey:    c.NwkSKey,
		FCntUp:     c.FCntUp,
		FCntDown:   c.FCntDown,
		LastRxMIC:  c.LastRxMIC,
		DataRate:   c.DataRate,
		TxPower:    c.TxPower,
		ADREnabled: c.ADREnabled != 0,
		RX2Freq:    c.RX2Freq,
		RX2DR:      c.RX2DR,
	}
}
