package power

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateHookOrder(t *testing.T) {
	g := NewGate(nil)
	var order []string

	g.SetRadioClockHook(func() error {
		order = append(order, "clock")
		return nil
	})
	g.Register(Peripheral{
		Name:    "flash",
		Prepare: func() error { order = append(order, "flash.down"); return nil },
		Resume:  func() error { order = append(order, "flash.up"); return nil },
	})
	g.Register(Peripheral{
		Name:    "sensors",
		Prepare: func() error { order = append(order, "sensors.down"); return nil },
		Resume:  func() error { order = append(order, "sensors.up"); return nil },
	})

	require.NoError(t, g.Sleep(time.Millisecond))

	// Down in reverse dependency order, radio clock first on the way
	// up, then up in dependency order.
	want := []string{"sensors.down", "flash.down", "clock", "flash.up", "sensors.up"}
	assert.Equal(t, want, order)
}

func TestGatePrepareErrorIsNotFatal(t *testing.T) {
	g := NewGate(nil)
	g.Register(Peripheral{
		Name:    "stubborn",
		Prepare: func() error { return errors.New("refuses to power down") },
	})
	assert.NoError(t, g.Sleep(time.Millisecond))
}

func TestGateResumeErrorIsFatal(t *testing.T) {
	g := NewGate(nil)
	g.Register(Peripheral{
		Name:   "regulator",
		Resume: func() error { return errors.New("no voltage") },
	})
	err := g.Sleep(time.Millisecond)
	assert.ErrorIs(t, err, ErrFatalInit)
	assert.ErrorContains(t, err, "regulator")
}

func TestGateRadioClockFailureIsFatal(t *testing.T) {
	g := NewGate(nil)
	g.SetRadioClockHook(func() error { return errors.New("tcxo dead") })
	assert.ErrorIs(t, g.Sleep(time.Millisecond), ErrFatalInit)
}

func TestGateNilHooksAreSkipped(t *testing.T) {
	g := NewGate(nil)
	g.Register(Peripheral{Name: "prepare-only", Prepare: func() error { return nil }})
	g.Register(Peripheral{Name: "resume-only", Resume: func() error { return nil }})
	assert.NoError(t, g.Sleep(time.Millisecond))
}

func TestGateWakeInterruptsSleep(t *testing.T) {
	g := NewGate(nil)

	done := make(chan bool, 1)
	go func() {
		done <- g.EnterDeepSleep(10 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	g.Wake()

	select {
	case completed := <-done:
		assert.False(t, completed, "an interrupted sleep reports early wake")
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not wake")
	}
}

func TestGateWakeCoalesces(t *testing.T) {
	g := NewGate(nil)
	g.Wake()
	g.Wake()
	g.Wake()

	assert.False(t, g.EnterDeepSleep(10*time.Second), "pending wake fires immediately")
	assert.True(t, g.EnterDeepSleep(time.Millisecond), "extra wakes were coalesced away")
}
