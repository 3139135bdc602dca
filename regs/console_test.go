package regs

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeUBoot answers md.l/mw.l lines the way a U-Boot prompt does, echo included.
type fakeUBoot struct {
	mem  map[uint32]uint32
	out  bytes.Buffer
	cmds []string
	line []byte
}

func newFakeUBoot() *fakeUBoot {
	return &fakeUBoot{mem: map[uint32]uint32{}}
}

func (f *fakeUBoot) Write(b []byte) (int, error) {
	for _, c := range b {
		if c != '\n' {
			f.line = append(f.line, c)
			continue
		}
		f.exec(string(f.line))
		f.line = f.line[:0]
	}
	return len(b), nil
}

func (f *fakeUBoot) exec(line string) {
	f.cmds = append(f.cmds, line)
	f.out.WriteString(line + "\r\n")
	var addr, v uint32
	switch {
	case strings.HasPrefix(line, "md.l"):
		fmt.Sscanf(line, "md.l %x", &addr)
		fmt.Fprintf(&f.out, "%08x: %08x    ....\r\n", addr, f.mem[addr])
	case strings.HasPrefix(line, "mw.l"):
		fmt.Sscanf(line, "mw.l %x %x", &addr, &v)
		f.mem[addr] = v
	case line == "":
	default:
		fmt.Fprintf(&f.out, "Unknown command '%s' - try 'help'\r\n", line)
	}
	f.out.WriteString(DefaultPrompt)
}

func (f *fakeUBoot) Read(b []byte) (int, error) {
	return f.out.Read(b)
}

func TestConsoleReadWrite(t *testing.T) {
	f := newFakeUBoot()
	f.mem[0x11900104] = 0x00400000
	c := NewConsole(f, "")
	if got := c.Read32(0x11900104); got != 0x00400000 {
		t.Errorf("Read32 got: %08X, want: %08X", got, 0x00400000)
	}
	c.Write32(0x11900600, 0x0777200)
	if got := f.mem[0x11900600]; got != 0x0777200 {
		t.Errorf("mw.l stored %08X, want %08X", got, 0x0777200)
	}
	if c.Err() != nil {
		t.Fatalf("unexpected error: %v", c.Err())
	}
	want := []string{"md.l 11900104 1", "mw.l 11900600 00777200"}
	if len(f.cmds) != len(want) {
		t.Fatalf("commands got: %q, want %q", f.cmds, want)
	}
	for i := range want {
		if f.cmds[i] != want[i] {
			t.Errorf("command %d got: %q, want %q", i, f.cmds[i], want[i])
		}
	}
}

func TestConsoleStickyError(t *testing.T) {
	f := newFakeUBoot()
	c := NewConsole(f, "")
	f.out.WriteString("garbage without prompt")
	// The leftover bytes are consumed before the real answer, so this read still succeeds.
	c.Read32(0x0)
	if c.Err() != nil {
		t.Fatalf("unexpected error: %v", c.Err())
	}

	dead := NewConsole(&bytes.Buffer{}, "")
	if got := dead.Read32(0x4); got != 0 {
		t.Errorf("Read32 on dead link got: %08X, want 0", got)
	}
	if !errors.Is(dead.Err(), ErrConsole) {
		t.Errorf("Err got: %v, want ErrConsole", dead.Err())
	}
	dead.Write32(0x4, 1) // no-op after the first failure
}

func TestParseMemDump(t *testing.T) {
	out := "md.l 11900408 1\r\n11900408: 00000002    ....\r\n"
	v, err := parseMemDump(out, 0x11900408)
	if err != nil || v != 2 {
		t.Errorf("parseMemDump got: %d, %v, want 2, nil", v, err)
	}
	if _, err := parseMemDump(out, 0x11900400); !errors.Is(err, ErrConsole) {
		t.Errorf("missing line got err %v, want ErrConsole", err)
	}
	if _, err := parseMemDump("11900408: zzzz\n", 0x11900408); !errors.Is(err, ErrConsole) {
		t.Errorf("bad value got err %v, want ErrConsole", err)
	}
}
