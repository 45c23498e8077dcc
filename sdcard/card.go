package sdcard

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ledgren/mediacard/checkpoint"
)

// SPI-mode command set.
const (
	cmdGoIdleState      = 0  // CMD0
	cmdSendIfCond       = 8  // CMD8
	cmdSendCSD          = 9  // CMD9
	cmdStopTransmission = 12 // CMD12
	cmdReadSingleBlock  = 17 // CMD17
	cmdReadMultiBlock   = 18 // CMD18
	cmdAppCmd           = 55 // CMD55
	cmdReadOCR          = 58 // CMD58
	acmdSendOpCond      = 41 // ACMD41
)

const (
	r1Idle     = 0x01
	r1Ready    = 0x00
	startToken = 0xFE
	dummyByte  = 0xFF
)

const (
	goIdleAttempts     = 10
	goIdleDelayMicros  = 100
	initAttempts       = 1000
	initDelayMicros    = 1000
	powerUpDelayMicros = 100_000
	powerUpClockBytes  = 10 // 80 clock cycles with the card deselected
)

// Card is a handle to an initialized SD card. At most one bulk transfer is
// outstanding per handle; the busy flag is the only state shared with the
// bus's completion context.
type Card struct {
	bus   Bus
	cs    ChipSelect
	clock Clock
	log   *slog.Logger

	timeouts Timeouts

	// Written only by the bulk completion callback, read by the polling
	// caller.
	busy    atomic.Bool
	xferErr atomic.Bool

	typ          Type
	highCapacity bool
	capacity     uint32 // in blocks, high-capacity cards only
	csd          [16]byte
	initialized  bool
}

// Config carries optional Card settings; the zero value selects defaults.
type Config struct {
	Timeouts Timeouts
	Logger   *slog.Logger
}

// Init brings up the card on the given bus and returns a ready-to-read
// handle. The bus should be clocked slowly (<=400 kHz) during Init; see the
// SD physical layer specification.
func Init(bus Bus, cs ChipSelect, clock Clock) (*Card, error) {
	return InitConfig(bus, cs, clock, Config{})
}

// InitConfig is Init with explicit configuration.
func InitConfig(bus Bus, cs ChipSelect, clock Clock, cfg Config) (*Card, error) {
	if bus == nil || cs == nil || clock == nil {
		return nil, checkpoint.From(ErrInvalidParam)
	}
	c := &Card{
		bus:      bus,
		cs:       cs,
		clock:    clock,
		log:      cfg.Logger,
		timeouts: cfg.Timeouts.withDefaults(),
	}

	c.cs.Deselect()
	c.clock.DelayMicros(powerUpDelayMicros)
	if err := c.powerUpSequence(); err != nil {
		return nil, checkpoint.Wrap(err, ErrNoCard)
	}

	if err := c.goIdleState(); err != nil {
		return nil, err
	}

	// CMD8 separates v2 cards from legacy ones; legacy cards reject it.
	if err := c.checkVoltage(); err != nil {
		c.debug("CMD8 rejected, assuming SDv1", slog.String("cause", err.Error()))
		c.typ = TypeV1
	} else {
		c.typ = TypeV2
	}

	if err := c.initializeCard(); err != nil {
		return nil, err
	}
	if err := c.readCSD(); err != nil {
		return nil, err
	}

	c.initialized = true
	c.debug("card initialized",
		slog.String("type", c.typ.String()),
		slog.Uint64("capacity_blocks", uint64(c.capacity)))
	return c, nil
}

// Type returns the detected card generation.
func (c *Card) Type() Type { return c.typ }

// HighCapacity reports whether the card uses block addressing.
func (c *Card) HighCapacity() bool { return c.highCapacity }

// Capacity returns the card capacity in 512-byte blocks. It is only known
// for high-capacity cards; standard-capacity cards report 0.
func (c *Card) Capacity() uint32 { return c.capacity }

// CSD returns the raw 16-byte card-specific-data register.
func (c *Card) CSD() [16]byte { return c.csd }

// ReadBlock fills dst with the 512-byte block at lba.
func (c *Card) ReadBlock(dst []byte, lba uint32) error {
	if len(dst) < BlockSize {
		return checkpoint.From(ErrInvalidParam)
	}
	if !c.initialized {
		return checkpoint.From(ErrNotReady)
	}

	c.cs.Select()
	defer c.deselect()

	c.sendCommand(cmdReadSingleBlock, c.blockArg(lba))
	r1, err := c.response()
	if err != nil {
		return err
	}
	if r1 != r1Ready {
		return checkpoint.From(ErrProtocol)
	}
	if err := c.waitDataToken(); err != nil {
		return err
	}
	return c.readBlockData(dst[:BlockSize])
}

// ReadBlocks fills dst with count consecutive blocks starting at lba, using
// a single multi-block read command. A failure mid-transfer aborts the loop
// but still issues the stop command so the bus is left consistent.
func (c *Card) ReadBlocks(dst []byte, lba uint32, count uint32) error {
	if count == 0 || len(dst) < int(count)*BlockSize {
		return checkpoint.From(ErrInvalidParam)
	}
	if !c.initialized {
		return checkpoint.From(ErrNotReady)
	}
	if count == 1 {
		return c.ReadBlock(dst, lba)
	}

	c.cs.Select()
	defer c.deselect()

	c.sendCommand(cmdReadMultiBlock, c.blockArg(lba))
	r1, err := c.response()
	if err != nil {
		return err
	}
	if r1 != r1Ready {
		return checkpoint.From(ErrProtocol)
	}

	var readErr error
	for i := uint32(0); i < count; i++ {
		if readErr = c.waitDataToken(); readErr != nil {
			break
		}
		block := dst[i*BlockSize : (i+1)*BlockSize]
		if readErr = c.readBlockData(block); readErr != nil {
			break
		}
	}

	// Stop transmission regardless of the loop outcome. The byte after
	// CMD12 is a stuff byte and is discarded.
	c.exchangeByte(dummyByte)
	c.sendCommand(cmdStopTransmission, 0)
	c.response()
	c.waitReady(c.timeouts.ReadyMicros)

	return readErr
}

// blockArg converts a block address into the command argument for the
// card's addressing mode: block numbers for high-capacity cards, byte
// addresses otherwise.
func (c *Card) blockArg(lba uint32) uint32 {
	if c.highCapacity {
		return lba
	}
	return lba * BlockSize
}

/* ---- initialization stages ---- */

// powerUpSequence clocks the card with chip select released so it enters
// SPI mode on the following CMD0.
func (c *Card) powerUpSequence() error {
	c.cs.Deselect()
	for i := 0; i < powerUpClockBytes; i++ {
		if _, err := c.exchangeByte(dummyByte); err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) goIdleState() error {
	for attempt := 0; attempt < goIdleAttempts; attempt++ {
		c.cs.Select()
		c.sendCommand(cmdGoIdleState, 0)
		r1, err := c.response()
		c.deselect()
		if err == nil && r1 == r1Idle {
			return nil
		}
		c.clock.DelayMicros(goIdleDelayMicros)
	}
	return checkpoint.From(ErrNoCard)
}

func (c *Card) checkVoltage() error {
	c.cs.Select()
	defer c.deselect()

	// 0x1AA: 2.7-3.6V range plus echo pattern.
	c.sendCommand(cmdSendIfCond, 0x000001AA)
	r1, err := c.response()
	if err != nil {
		return err
	}

	var r7 [4]byte
	for i := range r7 {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			return err
		}
		r7[i] = b
	}

	if r1 != r1Idle {
		return checkpoint.From(ErrProtocol)
	}
	if r7[2]&0x0F != 0x01 || r7[3] != 0xAA {
		return checkpoint.From(ErrProtocol)
	}
	return nil
}

func (c *Card) initializeCard() error {
	var arg uint32
	if c.typ == TypeV2 {
		arg = 0x40000000 // HCS: host supports high capacity
	}

	ready := false
	for attempt := 0; attempt < initAttempts; attempt++ {
		c.cs.Select()
		c.sendCommand(cmdAppCmd, 0)
		c.response()
		c.deselect()

		c.cs.Select()
		c.sendCommand(acmdSendOpCond, arg)
		r1, err := c.response()
		c.deselect()

		if err == nil && r1 == r1Ready {
			ready = true
			break
		}
		c.clock.DelayMicros(initDelayMicros)
	}
	if !ready {
		return checkpoint.From(ErrTimeout)
	}

	if c.typ != TypeV2 {
		return nil
	}

	// OCR read: the CCS bit tells block-addressed cards apart.
	c.cs.Select()
	c.sendCommand(cmdReadOCR, 0)
	c.response()
	var ocr [4]byte
	for i := range ocr {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			c.deselect()
			return err
		}
		ocr[i] = b
	}
	c.deselect()

	if ocr[0]&0x40 != 0 {
		c.typ = TypeV2HC
		c.highCapacity = true
	}
	return nil
}

func (c *Card) readCSD() error {
	c.cs.Select()
	defer c.deselect()

	c.sendCommand(cmdSendCSD, 0)
	r1, err := c.response()
	if err != nil {
		return err
	}
	if r1 != r1Ready {
		return checkpoint.From(ErrProtocol)
	}
	if err := c.waitDataToken(); err != nil {
		return err
	}

	for i := range c.csd {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			return err
		}
		c.csd[i] = b
	}
	c.exchangeByte(dummyByte) // CRC
	c.exchangeByte(dummyByte)

	if c.highCapacity {
		// CSD v2: C_SIZE is 22 bits across bytes 7..9; capacity is
		// (C_SIZE+1) * 512 KiB, i.e. (C_SIZE+1)*1024 blocks.
		csize := uint32(c.csd[7]&0x3F)<<16 | uint32(c.csd[8])<<8 | uint32(c.csd[9])
		c.capacity = (csize + 1) * 1024
	}
	return nil
}

/* ---- protocol primitives ---- */

func (c *Card) exchangeByte(b byte) (byte, error) {
	tx := [1]byte{b}
	rx := [1]byte{dummyByte}
	err := c.bus.Exchange(tx[:], rx[:])
	return rx[0], err
}

// sendCommand transmits a 6-byte command frame, preceded by one dummy byte
// to give the card a clean byte boundary. Only CMD0 and CMD8 need a real
// CRC in SPI mode.
func (c *Card) sendCommand(cmd byte, arg uint32) {
	crc := byte(0x01)
	switch cmd {
	case cmdGoIdleState:
		crc = 0x95
	case cmdSendIfCond:
		crc = 0x87
	}
	frame := [7]byte{
		dummyByte,
		0x40 | cmd,
		byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg),
		crc,
	}
	var rx [7]byte
	c.bus.Exchange(frame[:], rx[:])
}

// response polls for an R1 response (MSB clear) within the response budget.
func (c *Card) response() (byte, error) {
	start := c.clock.Micros()
	for {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			return 0, checkpoint.Wrap(err, ErrRead)
		}
		if b&0x80 == 0 {
			return b, nil
		}
		if c.clock.Micros()-start > c.timeouts.ResponseMicros {
			return 0, checkpoint.From(ErrTimeout)
		}
	}
}

// waitReady polls until the card releases the data line (0xFF).
func (c *Card) waitReady(timeoutMicros int64) error {
	start := c.clock.Micros()
	for {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			return checkpoint.Wrap(err, ErrRead)
		}
		if b == 0xFF {
			return nil
		}
		if c.clock.Micros()-start > timeoutMicros {
			return checkpoint.From(ErrTimeout)
		}
	}
}

// waitDataToken polls for the start-of-data token. An error token (high
// nibble zero) is a hard protocol failure.
func (c *Card) waitDataToken() error {
	start := c.clock.Micros()
	for {
		b, err := c.exchangeByte(dummyByte)
		if err != nil {
			return checkpoint.Wrap(err, ErrRead)
		}
		if b == startToken {
			return nil
		}
		if b&0xF0 == 0x00 {
			return checkpoint.From(ErrProtocol)
		}
		if c.clock.Micros()-start > c.timeouts.DataMicros {
			return checkpoint.From(ErrTimeout)
		}
	}
}

// readBlockData performs the bulk payload transfer for one block and
// discards the trailing CRC. The completion callback only flips the atomic
// flags; the polling loop below is the synchronization point back into the
// caller's context.
func (c *Card) readBlockData(dst []byte) error {
	c.busy.Store(true)
	c.xferErr.Store(false)

	if err := c.bus.BeginBulk(dst, dummyByte, c.bulkDone); err != nil {
		c.busy.Store(false)
		return checkpoint.Wrap(err, ErrRead)
	}

	start := c.clock.Micros()
	for c.busy.Load() {
		if c.clock.Micros()-start > c.timeouts.BulkMicros {
			c.bus.AbortBulk()
			c.busy.Store(false)
			return checkpoint.From(ErrTimeout)
		}
	}
	if c.xferErr.Load() {
		return checkpoint.From(ErrRead)
	}

	c.exchangeByte(dummyByte) // CRC
	c.exchangeByte(dummyByte)
	return nil
}

// bulkDone runs in the bus completion context. It must only touch the
// atomic flag pair.
func (c *Card) bulkDone(err error) {
	if err != nil {
		c.xferErr.Store(true)
	}
	c.busy.Store(false)
}

// deselect releases chip select and clocks one dummy byte so the card
// releases its data line.
func (c *Card) deselect() {
	c.cs.Deselect()
	c.exchangeByte(dummyByte)
}

func (c *Card) debug(msg string, attrs ...slog.Attr) {
	if c.log != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
