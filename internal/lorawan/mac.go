// Package lorawan carries the multi-region LoRaWAN session layer: a
// class-A MAC over an abstract radio, the Cayenne LPP payload encoder,
// and the manager that provisions regions and hot-switches between
// them using sessions frozen in the region store.
package lorawan

import (
	"context"
	"errors"
	"time"
)

// SendStatus is the outcome of one uplink attempt.
type SendStatus int

const (
	SendSuccess SendStatus = iota
	SendBusy
	SendError
	SendNotJoined
	SendDutyCycle
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccess:
		return "success"
	case SendBusy:
		return "busy"
	case SendError:
		return "error"
	case SendNotJoined:
		return "not-joined"
	case SendDutyCycle:
		return "duty-cycle"
	default:
		return "unknown"
	}
}

// ErrMACBusy is returned when the MAC cannot settle within the bounded
// wait a region switch allows.
var ErrMACBusy = errors.New("mac busy")

// Identity is one region's OTAA credentials.
type Identity struct {
	DevEUI  [8]byte
	JoinEUI [8]byte
	AppKey  [16]byte
}

// Session is the live ABP state of an activated MAC, everything needed
// to tear the MAC down and resurrect it later without a new join.
type Session struct {
	DevAddr    uint32
	AppSKey    [16]byte
	NwkSKey    [16]byte
	FCntUp     uint32
	FCntDown   uint32
	LastRxMIC  uint32
	DataRate   uint8
	TxPower    uint8
	ADREnabled bool
	RX2Freq    uint32
	RX2DR      uint8
}

// MAC is a class-A LoRaWAN MAC bound to one region at a time. The
// manager drives it through joins, uplinks and region switches.
type MAC interface {
	// Reinit tears the MAC down and rebuilds it on the named region's
	// parameters. All session state is lost; identity is kept.
	Reinit(region string) error

	// SetIdentity installs the OTAA credentials for the current region.
	SetIdentity(id Identity)

	// Join runs a single OTAA join attempt: request, RX windows,
	// accept. The caller owns retry policy.
	Join(ctx context.Context) error

	// Send transmits one unconfirmed class-A uplink and services the
	// receive windows before returning.
	Send(port uint8, payload []byte, dataRate uint8) SendStatus

	// Process advances pending MAC work. The manager pumps it while
	// waiting on the MAC during joins and switches.
	Process()

	// Busy reports whether an RF operation is in flight.
	Busy() bool

	// Snapshot captures the live session. ok is false when the MAC has
	// never been activated on this region.
	Snapshot() (Session, bool)

	// Restore activates the MAC as ABP from a frozen session, frame
	// counters and all.
	Restore(s Session) error

	// Start and Stop bracket RF availability around a region switch.
	Start() error
	Stop()

	// Joined reports whether the MAC is activated (OTAA or ABP).
	Joined() bool

	// EraseNVM wipes the MAC's own durable page (DevNonce history).
	EraseNVM() error
}

// TxParams describe one transmission.
type TxParams struct {
	FrequencyHz uint32
	DataRate    uint8
	TxPower     uint8
}

// RxWindow describes one class-A receive window.
type RxWindow struct {
	FrequencyHz uint32
	DataRate    uint8
	Timeout     time.Duration
}

// ErrRxTimeout is returned by Radio.Receive when the window closes
// without a frame.
var ErrRxTimeout = errors.New("rx window timeout")

// Radio is the PHY the MAC drives. Implementations front a radio
// co-processor or a test harness; modulation detail stays below this
// line.
type Radio interface {
	Transmit(frame []byte, params TxParams) error
	Receive(window RxWindow) ([]byte, error)
	Sleep() error
	Wake() error
}
