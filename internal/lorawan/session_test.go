package lorawan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratotrack/tracker/internal/pagestore"
	"github.com/stratotrack/tracker/internal/region"
)

// fakeMAC scripts the MAC side of the manager protocol and records the
// call order.
type fakeMAC struct {
	calls []string

	region  string
	id      Identity
	joined  bool
	session Session

	nextDevAddr uint32
	busyPolls   int
	nvmErases   int

	lastPort    uint8
	lastPayload []byte
	lastDR      uint8
	sendStatus  SendStatus
}

func newFakeMAC() *fakeMAC {
	return &fakeMAC{nextDevAddr: 0x26010000}
}

func (f *fakeMAC) Reinit(region string) error {
	f.calls = append(f.calls, "reinit:"+region)
	f.region = region
	f.joined = false
	f.session = Session{}
	return nil
}

func (f *fakeMAC) SetIdentity(id Identity) {
	f.calls = append(f.calls, "identity")
	f.id = id
}

func (f *fakeMAC) Join(ctx context.Context) error {
	f.calls = append(f.calls, "join:"+f.region)
	f.nextDevAddr++
	f.session = Session{DevAddr: f.nextDevAddr, TxPower: 14}
	f.joined = true
	return nil
}

func (f *fakeMAC) Send(port uint8, payload []byte, dataRate uint8) SendStatus {
	f.calls = append(f.calls, "send")
	f.lastPort = port
	f.lastPayload = payload
	f.lastDR = dataRate
	if f.sendStatus == SendSuccess {
		f.session.FCntUp++
	}
	return f.sendStatus
}

func (f *fakeMAC) Process() {}

func (f *fakeMAC) Busy() bool {
	if f.busyPolls > 0 {
		f.busyPolls--
		return true
	}
	return false
}

func (f *fakeMAC) Snapshot() (Session, bool) { return f.session, f.joined }

func (f *fakeMAC) Restore(s Session) error {
	f.calls = append(f.calls, "restore")
	f.session = s
	f.joined = true
	return nil
}

func (f *fakeMAC) Start() error { f.calls = append(f.calls, "start"); return nil }
func (f *fakeMAC) Stop()        { f.calls = append(f.calls, "stop") }
func (f *fakeMAC) Joined() bool { return f.joined }

func (f *fakeMAC) EraseNVM() error {
	f.calls = append(f.calls, "erasenvm")
	f.nvmErases++
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeMAC, *region.Store) {
	t.Helper()
	store, err := region.OpenStore(pagestore.Open(filepath.Join(t.TempDir(), "regions.bin")))
	require.NoError(t, err)
	mac := newFakeMAC()
	m := NewManager(ManagerOptions{
		MAC:   mac,
		Store: store,
		Identities: map[region.Region]Identity{
			region.EU868: testIdentity(),
			region.US915: testIdentity(),
		},
		DefaultDataRate: 3,
		AppPort:         2,
	})
	return m, mac, store
}

func TestManagerProvisionAll(t *testing.T) {
	m, mac, store := testManager(t)

	regions := []region.Region{region.EU868, region.US915}
	require.NoError(t, m.ProvisionAll(context.Background(), regions, 0))

	assert.Equal(t, 1, mac.nvmErases, "nonce history wiped once per flight")
	assert.True(t, store.IsRegionJoined(region.EU868))
	assert.True(t, store.IsRegionJoined(region.US915))
	assert.Equal(t, region.EU868, m.Active(), "first join becomes active")

	active, ok := store.Active()
	require.True(t, ok)
	r, err := active.Region()
	require.NoError(t, err)
	assert.Equal(t, region.EU868, r)
}

func TestManagerProvisionSkipsJoined(t *testing.T) {
	m, mac, _ := testManager(t)
	require.NoError(t, m.JoinRegion(context.Background(), region.EU868))
	joinsBefore := len(mac.calls)

	require.NoError(t, m.ProvisionAll(context.Background(), []region.Region{region.EU868}, 0))
	assert.Equal(t, joinsBefore, len(mac.calls), "already provisioned region is not rejoined")
	assert.Zero(t, mac.nvmErases, "nonce history survives when nothing joins")
}

func TestManagerJoinRegionNoIdentity(t *testing.T) {
	m, _, _ := testManager(t)
	err := m.JoinRegion(context.Background(), region.KR920)
	assert.ErrorContains(t, err, "no identity")
}

func TestManagerSwitchRegion(t *testing.T) {
	m, mac, store := testManager(t)
	require.NoError(t, m.ProvisionAll(context.Background(), []region.Region{region.EU868, region.US915}, 0))
	require.NoError(t, m.SwitchRegion(region.EU868)) // rebind to the active region
	require.Equal(t, region.EU868, m.Active())

	// Uplinks happened on EU868 since the last capture.
	mac.session.FCntUp = 42
	mac.calls = nil

	require.NoError(t, m.SwitchRegion(region.US915))
	assert.Equal(t, region.US915, m.Active())
	assert.Equal(t, []string{"stop", "reinit:US915", "identity", "restore", "start"}, mac.calls)

	// The outgoing counters were frozen before the teardown.
	slot, ok := store.Find(region.EU868)
	require.True(t, ok)
	assert.Equal(t, uint32(42), store.Contexts[slot].FCntUp)

	active, ok := store.Active()
	require.True(t, ok)
	r, err := active.Region()
	require.NoError(t, err)
	assert.Equal(t, region.US915, r)
}

func TestManagerSwitchPreservesCounters(t *testing.T) {
	m, mac, _ := testManager(t)
	require.NoError(t, m.ProvisionAll(context.Background(), []region.Region{region.EU868, region.US915}, 0))
	require.NoError(t, m.SwitchRegion(region.EU868))

	mac.session.FCntUp = 42
	require.NoError(t, m.SwitchRegion(region.US915))
	assert.Zero(t, mac.session.FCntUp, "the incoming region starts from its own counter")

	require.NoError(t, m.SwitchRegion(region.EU868))
	assert.Equal(t, uint32(42), mac.session.FCntUp, "frame counter continues where the region left off")
}

func TestManagerSwitchNoContext(t *testing.T) {
	m, _, _ := testManager(t)
	require.NoError(t, m.JoinRegion(context.Background(), region.EU868))

	err := m.SwitchRegion(region.US915)
	assert.ErrorIs(t, err, ErrNoContext)
	assert.Equal(t, region.EU868, m.Active())
}

func TestManagerSwitchBusyMAC(t *testing.T) {
	m, mac, _ := testManager(t)
	require.NoError(t, m.ProvisionAll(context.Background(), []region.Region{region.EU868, region.US915}, 0))

	mac.busyPolls = 1 << 30
	err := m.SwitchRegion(region.US915)
	assert.ErrorIs(t, err, ErrMACBusy)
}

func TestManagerSwitchToActiveIsNoop(t *testing.T) {
	m, mac, _ := testManager(t)
	require.NoError(t, m.JoinRegion(context.Background(), region.EU868))
	mac.calls = nil

	require.NoError(t, m.SwitchRegion(region.EU868))
	assert.Empty(t, mac.calls)
}

func TestManagerResume(t *testing.T) {
	store, err := region.OpenStore(pagestore.Open(filepath.Join(t.TempDir(), "regions.bin")))
	require.NoError(t, err)

	// A previous flight left a frozen EU868 session active.
	tag, err := region.EU868.Tag()
	require.NoError(t, err)
	slot, err := store.Put(sessionToContext(tag, testIdentity(), Session{
		DevAddr: 0x26015555,
		FCntUp:  120,
	}, 0))
	require.NoError(t, err)
	require.NoError(t, store.SetActive(uint8(slot)))
	require.NoError(t, store.SaveAll())

	mac := newFakeMAC()
	m := NewManager(ManagerOptions{
		MAC:        mac,
		Store:      store,
		Identities: map[region.Region]Identity{region.EU868: testIdentity()},
	})

	ok, err := m.Resume()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, region.EU868, m.Active())
	assert.Equal(t, uint32(0x26015555), mac.session.DevAddr)
	assert.Equal(t, uint32(120), mac.session.FCntUp)
	assert.Equal(t, []string{"reinit:EU868", "identity", "restore", "start"}, mac.calls)
}

func TestManagerResumeEmptyStore(t *testing.T) {
	m, mac, _ := testManager(t)
	ok, err := m.Resume()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, mac.calls)
}

func TestManagerAutoSwitch(t *testing.T) {
	m, _, _ := testManager(t)
	require.NoError(t, m.ProvisionAll(context.Background(), []region.Region{region.EU868, region.US915}, 0))

	t.Run("switches when provisioned", func(t *testing.T) {
		r, switched := m.AutoSwitch(40.71, -74.01) // New York
		assert.True(t, switched)
		assert.Equal(t, region.US915, r)
	})

	t.Run("same region is a no-op", func(t *testing.T) {
		r, switched := m.AutoSwitch(39.0, -77.0)
		assert.False(t, switched)
		assert.Equal(t, region.US915, r)
	})

	t.Run("unprovisioned target keeps current", func(t *testing.T) {
		r, switched := m.AutoSwitch(35.68, 139.69) // Tokyo wants AS923
		assert.False(t, switched)
		assert.Equal(t, region.US915, r)
	})

	t.Run("open ocean keeps current", func(t *testing.T) {
		r, switched := m.AutoSwitch(-40.0, -120.0)
		assert.False(t, switched)
		assert.Equal(t, region.US915, r)
	})
}

func TestManagerSend(t *testing.T) {
	m, mac, _ := testManager(t)
	require.NoError(t, m.JoinRegion(context.Background(), region.EU868))

	f := Frame{TempC: 20.0, BatteryV: 3.9, TimeToFix: 10 * time.Second}
	assert.Equal(t, SendSuccess, m.Send(f))
	assert.Equal(t, uint8(2), mac.lastPort)
	assert.Equal(t, uint8(3), mac.lastDR, "data rate pinned to the configured default")
	assert.Equal(t, EncodeLPP(f), mac.lastPayload)
}

func TestManagerCaptureActive(t *testing.T) {
	m, mac, store := testManager(t)
	require.NoError(t, m.JoinRegion(context.Background(), region.EU868))

	mac.session.FCntUp = 9
	require.NoError(t, m.CaptureActive())

	slot, ok := store.Find(region.EU868)
	require.True(t, ok)
	assert.Equal(t, uint32(9), store.Contexts[slot].FCntUp)
	assert.True(t, store.Contexts[slot].Valid(), "captured context is sealed")
}

func TestManagerCaptureActiveNothingJoined(t *testing.T) {
	m, _, _ := testManager(t)
	assert.Error(t, m.CaptureActive())
}
