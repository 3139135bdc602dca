package regs

import (
	"testing"
)

func TestField(t *testing.T) {
	tests := []struct {
		name  string
		f     Field
		word  uint32
		val   uint32
		mask  uint32
		get   uint32
		after uint32
	}{
		{"MDIV", Field{16, 10}, 0x81900600, 350, 0x03FF0000, 400, 0x815E0600},
		{"PDIV", Field{8, 6}, 0x81900600, 5, 0x00003F00, 6, 0x81900500},
		{"SDIV", Field{0, 3}, 0x81900600, 1, 0x00000007, 0, 0x81900601},
		{"truncated", Field{0, 3}, 0xFFFFFFF0, 0xF, 0x00000007, 0, 0xFFFFFFF7},
	}
	for _, test := range tests {
		if got := test.f.Mask(); got != test.mask {
			t.Errorf("%s: Mask got: %08X, want: %08X", test.name, got, test.mask)
		}
		if got := test.f.Get(test.word); got != test.get {
			t.Errorf("%s: Get got: %d, want: %d", test.name, got, test.get)
		}
		if got := test.f.Set(test.word, test.val); got != test.after {
			t.Errorf("%s: Set got: %08X, want: %08X", test.name, got, test.after)
		}
	}
	if (Field{0, 3}).Fits(8) {
		t.Errorf("8 shouldn't fit in 3 bits")
	}
	if !(Field{0, 3}).Fits(7) {
		t.Errorf("7 should fit in 3 bits")
	}
}

func TestModify(t *testing.T) {
	s := NewSim()
	s.Poke(0x10, 0xAAAA5555)
	Modify(s, 0x10, 0x0000FF00, 0x12345678)
	if got, want := s.Peek(0x10), uint32(0xAAAA5655); got != want {
		t.Errorf("Modify got: %08X, want: %08X", got, want)
	}
	tr := s.Trace()
	if len(tr) != 2 || tr[0].Op != OpRead || tr[1].Op != OpWrite {
		t.Errorf("Modify should read then write, got trace %v", tr)
	}
}

func TestSimHooksAndTrace(t *testing.T) {
	s := NewSim()
	const ctl, stat = 0x100, 0x104
	s.OnWrite(ctl, func(mem Mem, addr, old, v uint32) {
		mem[stat] = 3 // busy for three polls
	})
	s.OnRead(stat, func(mem Mem, addr uint32) {
		if mem[stat] > 0 {
			mem[stat]--
		}
	})
	s.Write32(ctl, 1)
	polls := 0
	for s.Read32(stat) != 0 {
		polls++
	}
	if polls != 2 {
		t.Errorf("polls got: %d, want: 2", polls)
	}
	if got := len(s.Trace()); got != 4 {
		t.Errorf("trace len got: %d, want: 4", got)
	}
	if w := s.Writes(); len(w) != 1 || w[0].Addr != ctl {
		t.Errorf("Writes got: %v", w)
	}
	s.ResetTrace()
	if len(s.Trace()) != 0 {
		t.Errorf("trace not reset")
	}
	s.Poke(0x8, 1)
	if got := s.Addrs(); len(got) != 3 || got[0] != 0x8 || got[2] != stat {
		t.Errorf("Addrs got: %v", got)
	}
	snap := s.Snapshot()
	s.Poke(0x8, 2)
	if snap[0x8] != 1 {
		t.Errorf("Snapshot should be a copy")
	}
	if got := (Access{OpWrite, 0x11900100, 1}).String(); got != "W 11900100 00000001" {
		t.Errorf("Access.String got: %q", got)
	}
}

func TestPageAlign(t *testing.T) {
	tests := []struct {
		phys     uintptr
		size     int
		page     uintptr
		wantAddr uintptr
		wantSize int
	}{
		{0x11900000, 0x1000, 0x1000, 0x11900000, 0x1000},
		{0x11900200, 0x1000, 0x1000, 0x11900000, 0x1200},
		{0x11900ffc, 4, 0x1000, 0x11900000, 0x1000},
		{0x11912345, 0x100, 0x10000, 0x11910000, 0x2445},
	}
	for _, test := range tests {
		addr, size := pageAlign(test.phys, test.size, test.page)
		if addr != test.wantAddr || size != test.wantSize {
			t.Errorf("pageAlign(%08X, %X, %X) got: %08X, %X, want %08X, %X", test.phys, test.size, test.page, addr, size, test.wantAddr, test.wantSize)
		}
		if addr%test.page != 0 || addr+uintptr(size) != test.phys+uintptr(test.size) {
			t.Errorf("pageAlign(%08X, %X) window %08X+%X doesn't end at the same place", test.phys, test.size, addr, size)
		}
	}
}
