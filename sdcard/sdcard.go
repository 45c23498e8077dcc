// Package sdcard implements an SD card block driver for SPI-attached cards.
//
// The driver speaks the SPI-mode command protocol (CMD0/CMD8/ACMD41 bring-up,
// CMD17/CMD18 reads) over a caller-supplied Bus. Block payloads move through
// the bus's asynchronous bulk-transfer path; completion is signaled from the
// bus's completion context and polled by the caller against a monotonic
// clock, so no operation blocks indefinitely.
package sdcard

import (
	"errors"
	"time"
)

// BlockSize is the size of every addressable block, in bytes.
const BlockSize = 512

// These errors may occur while initializing or reading the card.
var (
	ErrInvalidParam = errors.New("invalid parameter")
	ErrNoCard       = errors.New("no card detected")
	ErrTimeout      = errors.New("card operation timed out")
	ErrProtocol     = errors.New("unexpected response from card")
	ErrRead         = errors.New("block transfer failed")
	ErrNotReady     = errors.New("card is not initialized")
)

// Bus is a synchronous serial bus (SPI master) with a hardware-accelerated
// bulk read path. Exchange and BeginBulk clock out data while receiving;
// the SD protocol requires the outgoing line held high (0xFF fill) while
// the card is transmitting.
type Bus interface {
	// Exchange transmits tx while receiving into rx. len(tx) == len(rx).
	Exchange(tx, rx []byte) error

	// BeginBulk starts an asynchronous transfer that transmits the fill
	// byte len(dst) times while receiving into dst. done is invoked
	// exactly once from the completion context (hardware interrupt or
	// equivalent) with the transfer result. done must not block and must
	// not touch the bus.
	BeginBulk(dst []byte, fill byte, done func(error)) error

	// AbortBulk cancels an in-flight bulk transfer. After AbortBulk
	// returns, done will not be invoked.
	AbortBulk()
}

// ChipSelect drives the card's chip-select line.
type ChipSelect interface {
	Select()
	Deselect()
}

// Clock is a monotonic time source for timeout bookkeeping and short
// protocol delays. All driver waits are bounded by deadlines derived from
// it, never by wall-clock interrupts.
type Clock interface {
	// Micros returns monotonic microseconds since an arbitrary origin.
	Micros() int64
	// DelayMicros busy-waits or sleeps for the given duration.
	DelayMicros(us int64)
}

// SystemClock is a Clock backed by the Go runtime's monotonic clock.
type SystemClock struct{}

var sysClockStart = time.Now()

func (SystemClock) Micros() int64 { return time.Since(sysClockStart).Microseconds() }

func (SystemClock) DelayMicros(us int64) { time.Sleep(time.Duration(us) * time.Microsecond) }

// Timeouts holds the per-stage timeout budgets, in microseconds. The zero
// value selects the defaults.
type Timeouts struct {
	// ResponseMicros bounds the wait for a command response.
	ResponseMicros int64
	// ReadyMicros bounds the wait for the card to release the bus.
	ReadyMicros int64
	// DataMicros bounds the wait for a start-of-data token.
	DataMicros int64
	// BulkMicros bounds a single bulk block transfer.
	BulkMicros int64
}

func (t Timeouts) withDefaults() Timeouts {
	if t.ResponseMicros == 0 {
		t.ResponseMicros = 100_000
	}
	if t.ReadyMicros == 0 {
		t.ReadyMicros = 500_000
	}
	if t.DataMicros == 0 {
		t.DataMicros = 250_000
	}
	if t.BulkMicros == 0 {
		t.BulkMicros = 100_000
	}
	return t
}

// Type identifies the detected card generation.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeV1
	TypeV2
	TypeV2HC // high capacity, block addressing
)

func (t Type) String() string {
	switch t {
	case TypeV1:
		return "SDv1"
	case TypeV2:
		return "SDv2"
	case TypeV2HC:
		return "SDHC"
	default:
		return "unknown"
	}
}
