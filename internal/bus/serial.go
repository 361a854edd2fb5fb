package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"dali-go-bridge/internal/dali"
)

// DefaultBaudRate is the line rate of the ATX DALI interface board.
const DefaultBaudRate = 19200

// SerialChannel drives one or more physical DALI buses through an ATX
// LED-Warrior interface board on a serial line. The board speaks a simple
// line protocol: "h<XX><YY>\n" transmits one frame, "t<XX><YY>\n" transmits
// it twice, "d\n" reports bus power status, each optionally prefixed with a
// bus digit. Replies are a letter plus hex payload: J/D carry a backward
// frame byte, X flags a receive collision, Z a transmit collision, N no
// reply.
type SerialChannel struct {
	port     serial.Port
	portName string
	logger   *slog.Logger

	mu sync.Mutex // serializes port access across buses

	buses       int
	hwVersion   uint8
	fwVersion   uint8
	replyWindow time.Duration
	settle      time.Duration
}

// OpenSerial opens the serial device and probes the interface board for its
// version and bus count.
func OpenSerial(portName string, baud int, logger *slog.Logger) (*SerialChannel, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrChannelIO, portName, err)
	}

	c := &SerialChannel{
		port:        port,
		portName:    portName,
		logger:      logger.With("component", "serial", "port", portName),
		replyWindow: DefaultReplyWindow,
		settle:      DefaultSettleTime,
	}
	if err := c.probe(); err != nil {
		port.Close()
		return nil, err
	}
	c.logger.Info("DALI interface ready",
		"hw_version", c.hwVersion, "fw_version", c.fwVersion, "buses", c.buses)
	return c, nil
}

// probe sends the version command and parses "Vhhffbb\n": hardware version,
// firmware version, bus count.
func (c *SerialChannel) probe() error {
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: reset input: %v", ErrChannelIO, err)
	}
	if err := c.write([]byte("v\n")); err != nil {
		return err
	}
	line, err := c.readLine(5 * time.Second)
	if err != nil {
		return err
	}
	if len(line) < 7 || line[0] != 'V' {
		return fmt.Errorf("%w: version reply %q", dali.ErrProtocol, line)
	}
	hw, err := hexByte(line[1], line[2])
	if err != nil {
		return err
	}
	fw, err := hexByte(line[3], line[4])
	if err != nil {
		return err
	}
	buses, err := hexByte(line[5], line[6])
	if err != nil {
		return err
	}
	c.hwVersion, c.fwVersion, c.buses = hw, fw, int(buses)
	return nil
}

// Buses returns the bus count reported by the interface board.
func (c *SerialChannel) Buses() int { return c.buses }

// HardwareVersion returns the board hardware revision.
func (c *SerialChannel) HardwareVersion() uint8 { return c.hwVersion }

// FirmwareVersion returns the board firmware revision.
func (c *SerialChannel) FirmwareVersion() uint8 { return c.fwVersion }

func (c *SerialChannel) Transmit(ctx context.Context, bus int, f dali.Frame) (dali.Response, error) {
	if err := checkBus(bus, c.buses); err != nil {
		return dali.NoResponse(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dali.NoResponse(), err
	}
	if err := c.waitIdle(); err != nil {
		return dali.NoResponse(), err
	}

	cmd := byte('h')
	if f.Twice {
		cmd = 't'
	}
	if err := c.write(commandLine(busDigit(bus), cmd, f.B1, f.B2)); err != nil {
		return dali.NoResponse(), err
	}
	c.logger.Debug("frame sent", "bus", bus, "frame", f.String(), "twice", f.Twice)

	return c.readReply(bus)
}

func (c *SerialChannel) Status(ctx context.Context, bus int) (Status, error) {
	if err := checkBus(bus, c.buses); err != nil {
		return StatusUnknown, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return StatusUnknown, err
	}
	if err := c.waitIdle(); err != nil {
		return StatusUnknown, err
	}
	if err := c.write(statusLine(busDigit(bus))); err != nil {
		return StatusUnknown, err
	}

	resp, err := c.readReply(bus)
	if err != nil {
		return StatusUnknown, err
	}
	if resp.Kind != dali.ResponseValue {
		return StatusUnknown, fmt.Errorf("%w: status reply %v", dali.ErrProtocol, resp.Kind)
	}
	switch resp.Value >> 4 {
	case 0:
		return StatusNoPower, nil
	case 1:
		return StatusOverloaded, nil
	case 2:
		return StatusActive, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: status nibble %X", dali.ErrProtocol, resp.Value>>4)
	}
}

func (c *SerialChannel) Close() error {
	return c.port.Close()
}

// waitIdle drains the line until it has been quiet for the settle period,
// enforcing the inter-frame gap and discarding stale monitor traffic.
func (c *SerialChannel) waitIdle() error {
	if err := c.port.SetReadTimeout(c.settle); err != nil {
		return fmt.Errorf("%w: set read timeout: %v", ErrChannelIO, err)
	}
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrChannelIO, err)
		}
		if n == 0 {
			return nil // quiet for a full settle period
		}
		c.logger.Debug("drained stale byte", "byte", fmt.Sprintf("%02X", buf[0]))
	}
}

func (c *SerialChannel) write(line []byte) error {
	for len(line) > 0 {
		n, err := c.port.Write(line)
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrChannelIO, err)
		}
		line = line[n:]
	}
	return nil
}

// readLine reads bytes until newline; a quiet reply window yields an empty
// line, which callers treat as no response.
func (c *SerialChannel) readLine(window time.Duration) ([]byte, error) {
	if err := c.port.SetReadTimeout(window); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrChannelIO, err)
	}
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrChannelIO, err)
		}
		if n == 0 {
			return line, nil // timed out
		}
		if buf[0] == '\n' || buf[0] == '\r' {
			if len(line) == 0 {
				continue
			}
			return line, nil
		}
		line = append(line, buf[0])
	}
}

// busDigit maps a zero-based bus number onto the wire prefix. Bus 0 is
// always unprefixed; higher buses carry their number as an ASCII digit.
func busDigit(bus int) byte {
	if bus == 0 {
		return 0
	}
	return byte('0' + bus)
}

// readReply reads and decodes one reply line for the expected bus.
func (c *SerialChannel) readReply(bus int) (dali.Response, error) {
	line, err := c.readLine(c.replyWindow)
	if err != nil {
		return dali.NoResponse(), err
	}
	return parseReply(line, busDigit(bus))
}

// parseReply decodes a board reply line. An empty line is the timed-out
// no-response case.
func parseReply(line []byte, wantDigit byte) (dali.Response, error) {
	if len(line) == 0 {
		return dali.NoResponse(), nil
	}

	i := 0
	var gotDigit byte
	if line[i] >= '1' && line[i] <= '3' {
		gotDigit = line[i]
		i++
	}
	if gotDigit != wantDigit {
		return dali.NoResponse(), fmt.Errorf("%w: reply bus prefix %q, expected %q", ErrChannelIO, gotDigit, wantDigit)
	}
	if i >= len(line) {
		return dali.NoResponse(), fmt.Errorf("%w: truncated reply %q", dali.ErrProtocol, line)
	}

	kind := line[i]
	i++
	switch kind {
	case 'N':
		return dali.NoResponse(), nil
	case 'J', 'D':
		if len(line) < i+2 {
			return dali.NoResponse(), fmt.Errorf("%w: truncated value reply %q", dali.ErrProtocol, line)
		}
		v, err := hexByte(line[i], line[i+1])
		if err != nil {
			return dali.NoResponse(), err
		}
		return dali.ValueResponse(v), nil
	case 'X':
		return dali.CollisionResponse(), nil
	case 'Z':
		return dali.NoResponse(), fmt.Errorf("%w: transmit collision", ErrChannelIO)
	case 'H', 'L', 'V':
		// Multi-byte monitor replies never answer the command subset we
		// send; getting one here means the exchange went off the rails.
		return dali.NoResponse(), fmt.Errorf("%w: unexpected %c reply %q", dali.ErrProtocol, kind, line)
	default:
		return dali.NoResponse(), fmt.Errorf("%w: unknown reply %q", dali.ErrProtocol, line)
	}
}

const hexDigits = "0123456789ABCDEF"

// commandLine builds "[digit]<cmd><XX><YY>\n".
func commandLine(digit, cmd, b1, b2 byte) []byte {
	line := make([]byte, 0, 7)
	if digit != 0 {
		line = append(line, digit)
	}
	line = append(line, cmd,
		hexDigits[b1>>4], hexDigits[b1&0x0F],
		hexDigits[b2>>4], hexDigits[b2&0x0F],
		'\n')
	return line
}

// statusLine builds "[digit]d\n".
func statusLine(digit byte) []byte {
	if digit != 0 {
		return []byte{digit, 'd', '\n'}
	}
	return []byte{'d', '\n'}
}

func hexDigit(b byte) (uint8, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	default:
		return 0, fmt.Errorf("%w: invalid hex digit %q", dali.ErrProtocol, b)
	}
}

func hexByte(hi, lo byte) (uint8, error) {
	h, err := hexDigit(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexDigit(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}
