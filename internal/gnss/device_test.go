package gnss

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

const ggaBasic = "$GPGGA,123519,4807.038,N,01131.000,E,1,03,6.0,545.4,M,46.9,M,,*43\r\n"

// fakePort is a UART double: the test pushes receive bytes in, the
// device's writes are captured.
type fakePort struct {
	mu     sync.Mutex
	rx     chan []byte
	rem    []byte
	closed chan struct{}
	once   sync.Once
	writes bytes.Buffer
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakePort) push(s string) { f.rx <- []byte(s) }

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.rem) == 0 {
		select {
		case b := <-f.rx:
			f.rem = b
		case <-f.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, f.rem)
	f.rem = f.rem[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakePort) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.String()
}

func (f *fakePort) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// portHolder tracks the most recently opened fake port; standby/wake
// cycles reopen the UART.
type portHolder struct {
	mu   sync.Mutex
	port *fakePort
}

func (c *portHolder) current() *fakePort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// testDevice builds a Device on fake pins and a fake UART.
func testDevice(t *testing.T, opts Options) (*Device, *portHolder) {
	t.Helper()
	cur := &portHolder{}
	open := func() (io.ReadWriteCloser, error) {
		p := newFakePort()
		cur.mu.Lock()
		cur.port = p
		cur.mu.Unlock()
		return p, nil
	}
	enable := &gpiotest.Pin{N: "GNSS_EN"}
	backup := &gpiotest.Pin{N: "GNSS_BKP"}
	return newForTest(opts, open, enable, backup), cur
}

func TestDevicePowerOnSendsConfig(t *testing.T) {
	d, cur := testDevice(t, Options{HotStart: true})
	require.NoError(t, d.PowerOn())
	defer d.EnterStandby()

	w := cur.current().written()
	for _, cmd := range []string{cmdNMEAConfig, cmdHighAltMode, cmdUpdateRate, cmdSatelliteSys, cmdFixMode, cmdSaveConfig} {
		assert.Contains(t, w, cmd)
	}
}

func TestDeviceAcquireGood(t *testing.T) {
	d, cur := testDevice(t, Options{HotStart: true})
	require.NoError(t, d.PowerOn())
	defer d.EnterStandby()

	cur.current().push(ggaGood + "\r\n" + rmcGood + "\r\n" + gsvGood + "\r\n")

	res, fix, ttf := d.AcquireFix(2 * time.Second)
	assert.Equal(t, Good, res)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-4)
	assert.Equal(t, uint8(8), fix.SatsUsed)
	assert.Less(t, ttf, 2*time.Second)
	assert.Equal(t, uint8(8), d.SatsInView())
}

func TestDeviceAcquireBasic(t *testing.T) {
	d, cur := testDevice(t, Options{HotStart: true})
	require.NoError(t, d.PowerOn())
	defer d.EnterStandby()

	cur.current().push(ggaBasic)

	res, fix, _ := d.AcquireFix(300 * time.Millisecond)
	assert.Equal(t, Basic, res)
	assert.True(t, fix.Valid)
	assert.False(t, fix.GoodQuality())
}

func TestDeviceAcquireTimeoutAndInvalidation(t *testing.T) {
	d, cur := testDevice(t, Options{HotStart: true})
	require.NoError(t, d.PowerOn())
	defer d.EnterStandby()

	cur.current().push(ggaGood + "\r\n")
	res, _, _ := d.AcquireFix(time.Second)
	require.Equal(t, Good, res)

	// No new data: the previous fix must not be reported again.
	res, fix, ttf := d.AcquireFix(200 * time.Millisecond)
	assert.Equal(t, Timeout, res)
	assert.False(t, fix.Valid)
	assert.Equal(t, 200*time.Millisecond, ttf)
}

func TestDeviceStandbyWakeCycle(t *testing.T) {
	d, cur := testDevice(t, Options{HotStart: true})
	require.NoError(t, d.PowerOn())

	first := cur.current()
	require.NoError(t, d.EnterStandby())
	assert.Contains(t, first.written(), cmdStandby)

	require.NoError(t, d.WakeFromStandby())
	second := cur.current()
	require.NotSame(t, first, second)
	assert.Contains(t, second.written(), wakeChar)

	second.push(ggaGood + "\r\n")
	res, _, _ := d.AcquireFix(time.Second)
	assert.Equal(t, Good, res)
	require.NoError(t, d.EnterStandby())
}
