package regs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

const DefaultPrompt = "=> "

var ErrConsole = errors.New("console register access failed")

// Console is a Port that drives a U-Boot prompt with md.l/mw.l. The Port interface has no error
// return, so the first failure is kept and every access after it is a no-op reading 0. Check Err
// after a sequence.
type Console struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	prompt string
	err    error
	closer io.Closer
}

// NewConsole wraps an already open link. The other end must be sitting at prompt.
func NewConsole(rw io.ReadWriter, prompt string) *Console {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Console{
		rw:     rw,
		r:      bufio.NewReader(rw),
		prompt: prompt,
	}
}

// OpenConsole opens a serial device and gets a fresh prompt from U-Boot.
func OpenConsole(device string, baud int, timeout time.Duration) (*Console, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't open serial port %s: %w", device, err)
	}
	c := NewConsole(port, DefaultPrompt)
	c.closer = port
	if _, err := c.command(""); err != nil {
		port.Close() // Ignore error
		return nil, fmt.Errorf("no U-Boot prompt on %s: %w", device, err)
	}
	return c, nil
}

func (c *Console) Err() error {
	return c.err
}

func (c *Console) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Console) Read32(addr uint32) uint32 {
	if c.err != nil {
		return 0
	}
	out, err := c.command(fmt.Sprintf("md.l %08x 1", addr))
	if err != nil {
		c.err = err
		return 0
	}
	v, err := parseMemDump(out, addr)
	if err != nil {
		c.err = err
		return 0
	}
	return v
}

func (c *Console) Write32(addr uint32, v uint32) {
	if c.err != nil {
		return
	}
	if _, err := c.command(fmt.Sprintf("mw.l %08x %08x", addr, v)); err != nil {
		c.err = err
	}
}

// command sends one line and returns everything the target printed before the next prompt.
func (c *Console) command(line string) (string, error) {
	if _, err := io.WriteString(c.rw, line+"\n"); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", ErrConsole, line, err)
	}
	var sb strings.Builder
	for !strings.HasSuffix(sb.String(), c.prompt) {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: waiting for prompt after %q: %v", ErrConsole, line, err)
		}
		sb.WriteByte(b)
	}
	return strings.TrimSuffix(sb.String(), c.prompt), nil
}

// parseMemDump finds the "aaaaaaaa: vvvvvvvv    ...." line for addr in md.l output.
func parseMemDump(out string, addr uint32) (uint32, error) {
	want := fmt.Sprintf("%08x:", addr)
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if !strings.HasPrefix(strings.ToLower(l), want) {
			continue
		}
		fields := strings.Fields(l[len(want):])
		if len(fields) == 0 {
			break
		}
		v, err := strconv.ParseUint(fields[0], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: bad md.l value %q: %v", ErrConsole, fields[0], err)
		}
		return uint32(v), nil
	}
	return 0, fmt.Errorf("%w: no dump line for %08x in %q", ErrConsole, addr, out)
}
