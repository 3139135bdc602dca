package dvfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Jon-Bright/kfcfreq/cmu"
	"github.com/Jon-Bright/kfcfreq/regs"
)

var errLinkLost = errors.New("serial link lost")

// ubootLink answers md.l/mw.l from a U-Boot prompt backed by sim. With drop set, every write
// fails once cmds reaches dropAt, as on an unplugged adapter.
type ubootLink struct {
	sim    *regs.Sim
	out    bytes.Buffer
	line   []byte
	cmds   int
	drop   bool
	dropAt int
}

func (u *ubootLink) Write(b []byte) (int, error) {
	if u.drop && u.cmds >= u.dropAt {
		return 0, errLinkLost
	}
	for _, c := range b {
		if c != '\n' {
			u.line = append(u.line, c)
			continue
		}
		u.exec(string(u.line))
		u.line = u.line[:0]
	}
	return len(b), nil
}

func (u *ubootLink) exec(line string) {
	u.cmds++
	u.out.WriteString(line + "\r\n")
	var addr, v uint32
	switch {
	case strings.HasPrefix(line, "md.l"):
		fmt.Sscanf(line, "md.l %x", &addr)
		fmt.Fprintf(&u.out, "%08x: %08x    ....\r\n", addr, u.sim.Read32(addr))
	case strings.HasPrefix(line, "mw.l"):
		fmt.Sscanf(line, "mw.l %x %x", &addr, &v)
		u.sim.Write32(addr, v)
	}
	u.out.WriteString(regs.DefaultPrompt)
}

func (u *ubootLink) Read(b []byte) (int, error) {
	if u.out.Len() == 0 {
		return 0, io.EOF
	}
	return u.out.Read(b)
}

type consoleRig struct {
	*rig
	link *ubootLink
	con  *regs.Console
}

func newConsoleRig(t *testing.T, boot int) *consoleRig {
	r := setup(t, boot)
	link := &ubootLink{sim: r.sim}
	con := regs.NewConsole(link, "")
	block := cmu.NewBlock(con, cmu.BASE_KFC)
	r.topo = &recTopo{Tree: cmu.Topology(block, uint64(r.tbl.Level(boot).RateKHz)*1000)}
	c, err := New(Config{Table: r.tbl, Port: con, Topology: r.topo, Current: boot})
	if err != nil {
		t.Fatalf("Failed New: %v", err)
	}
	r.c = c
	r.sim.ResetTrace()
	return &consoleRig{rig: r, link: link, con: con}
}

// transition runs Transition with a deadline so a wait that never ends fails the test.
func transition(t *testing.T, c *Controller, old, new int) error {
	done := make(chan error, 1)
	go func() { done <- c.Transition(old, new) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("L%d->L%d still running after 5s", old, new)
	}
	return nil
}

func TestTransitionOverConsole(t *testing.T) {
	tests := []struct{ old, new int }{{4, 13}, {13, 4}, {4, 12}, {14, 16}}
	for _, test := range tests {
		r := newConsoleRig(t, test.old)
		if err := transition(t, r.c, test.old, test.new); err != nil {
			t.Fatalf("L%d->L%d got error: %v", test.old, test.new, err)
		}
		to := r.tbl.Level(test.new)
		if got := r.block.PLL(); got != to.PLL {
			t.Errorf("L%d->L%d PLL got: %v, want %v", test.old, test.new, got, to.PLL)
		}
		if got := r.block.Dividers(); got != to.Div {
			t.Errorf("L%d->L%d dividers got: %+v, want %+v", test.old, test.new, got, to.Div)
		}
		if got := r.model.OutputKHz(); got != uint64(to.RateKHz) {
			t.Errorf("L%d->L%d output got: %d, want %d", test.old, test.new, got, to.RateKHz)
		}
		if r.c.Current() != test.new || !r.c.IsAlive() || r.con.Err() != nil {
			t.Errorf("L%d->L%d Current %d, alive %v, console error %v", test.old, test.new, r.c.Current(), r.c.IsAlive(), r.con.Err())
		}
	}
}

func TestConsoleLinkLost(t *testing.T) {
	healthy := newConsoleRig(t, 4)
	start := healthy.link.cmds
	if err := transition(t, healthy.c, 4, 13); err != nil {
		t.Fatalf("L4->L13 got error: %v", err)
	}
	total := healthy.link.cmds - start
	if total < 10 {
		t.Fatalf("L4->L13 took only %d console commands", total)
	}

	for k := 0; k < total; k++ {
		r := newConsoleRig(t, 4)
		r.link.drop, r.link.dropAt = true, r.link.cmds+k
		err := transition(t, r.c, 4, 13)
		if !errors.Is(err, ErrPortFailed) || !errors.Is(err, regs.ErrConsole) {
			t.Errorf("drop after %d commands got: %v, want ErrPortFailed", k, err)
		}
		if r.c.Current() != 4 {
			t.Errorf("drop after %d commands Current got: %d, want 4", k, r.c.Current())
		}
		if r.c.IsAlive() {
			t.Errorf("drop after %d commands IsAlive got: true", k)
		}
	}
}
