package cmu

import (
	"fmt"

	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

// Violation records a register access after which some tap ran above its rated maximum. Index is
// the access's position in the Sim trace.
type Violation struct {
	Index int
	After regs.Access
	Taps  []string
}

func (v Violation) String() string {
	return fmt.Sprintf("after #%d %v: %v over limit", v.Index, v.After, v.Taps)
}

// Model attaches simulated CMU_KFC behaviour to a regs.Sim: the PLL loses lock when M or P
// change and relocks after LockPolls reads of CON0, the KFC mux reports "changing" for MuxPolls
// reads of its status, and dividers stay busy for DivPolls reads. After every write, and when the
// PLL regains lock, the tap rates are checked against Limits.
type Model struct {
	sim   *regs.Sim
	block *Block

	LockPolls int
	MuxPolls  int
	DivPolls  int
	StuckLock bool // never relock
	StuckMux  bool // never leave the changing state

	FinKHz    uint64
	BusPLLKHz uint64
	Limits    freq.Taps

	lockLeft   int
	muxLeft    int
	divLeft    [DividerGroups]int
	violations []Violation
}

func NewModel(sim *regs.Sim, base uint32, limits freq.Taps) *Model {
	m := &Model{
		sim:       sim,
		block:     NewBlock(sim, base),
		LockPolls: 3,
		MuxPolls:  2,
		DivPolls:  1,
		FinKHz:    FIN_HZ / 1000,
		BusPLLKHz: BUS_PLL_HZ / 1000,
		Limits:    limits,
	}
	a := m.block.Addr
	sim.OnWrite(a(KFC_PLL_CON0), m.writeCon0)
	sim.OnRead(a(KFC_PLL_CON0), m.readCon0)
	sim.OnWrite(a(SRC_SEL_KFC0), m.writeSel(SRC_STAT_KFC0))
	sim.OnWrite(a(SRC_SEL_KFC1), m.writeSel(SRC_STAT_KFC1))
	sim.OnWrite(a(SRC_SEL_KFC2), m.writeKFCSel)
	sim.OnRead(a(SRC_STAT_KFC2), m.readKFCStat)
	for g := range divGroups {
		g := g
		sim.OnWrite(a(divGroups[g].ctl), func(mem regs.Mem, addr, old, v uint32) {
			mem[a(divGroups[g].stat)] = divGroups[g].busy
			m.divLeft[g] = m.DivPolls
			if m.divLeft[g] == 0 {
				mem[a(divGroups[g].stat)] = 0
			}
			m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
		})
		sim.OnRead(a(divGroups[g].stat), func(mem regs.Mem, addr uint32) {
			if m.divLeft[g] > 0 {
				m.divLeft[g]--
				if m.divLeft[g] == 0 {
					mem[addr] = 0
				}
			}
		})
	}
	for _, off := range []uint32{KFC_PLL_LOCK, KFC_PLL_CON1} {
		sim.OnWrite(a(off), func(mem regs.Mem, addr, old, v uint32) {
			m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
		})
	}
	return m
}

// Boot puts the block in the steady state of level l: PLL locked on l's PMS, every mux on its
// PLL-side default, l's dividers, nothing busy. It doesn't trace.
func (m *Model) Boot(l freq.Level) {
	a := m.block.Addr
	div0, div1 := PackDividers(l.Div)
	m.sim.Poke(a(KFC_PLL_LOCK), l.PLL.P*LockFactor)
	m.sim.Poke(a(KFC_PLL_CON0), PLL_ENABLE|PLL_LOCKED|PackPLL(l.PLL))
	m.sim.Poke(a(KFC_PLL_CON1), 0)
	m.sim.Poke(a(SRC_SEL_KFC0), 1)
	m.sim.Poke(a(SRC_STAT_KFC0), 1<<1)
	m.sim.Poke(a(SRC_SEL_KFC1), 0)
	m.sim.Poke(a(SRC_STAT_KFC1), 1<<0)
	m.sim.Poke(a(SRC_SEL_KFC2), 0)
	m.sim.Poke(a(SRC_STAT_KFC2), MuxStatusPLL)
	m.sim.Poke(a(DIV_KFC0), div0)
	m.sim.Poke(a(DIV_KFC1), div1)
	m.sim.Poke(a(DIV_STAT_KFC0), 0)
	m.sim.Poke(a(DIV_STAT_KFC1), 0)
	m.lockLeft, m.muxLeft = 0, 0
	m.divLeft = [DividerGroups]int{}
	m.violations = nil
}

// SetBypass sets or clears the PLL bypass bit without tracing.
func (m *Model) SetBypass(on bool) {
	a := m.block.Addr(KFC_PLL_CON1)
	v := m.sim.Peek(a) &^ PLL_BYPASS
	if on {
		v |= PLL_BYPASS
	}
	m.sim.Poke(a, v)
}

// Violations returns every limit violation seen since Boot.
func (m *Model) Violations() []Violation {
	return append([]Violation(nil), m.violations...)
}

// OutputKHz computes the current mout_kfc rate from register state.
func (m *Model) OutputKHz() uint64 {
	return m.taps(m.sim.Snapshot()).Core
}

func (m *Model) writeCon0(mem regs.Mem, addr, old, v uint32) {
	if UnpackPLL(old).SameLoop(UnpackPLL(v)) && old&PLL_LOCKED != 0 {
		m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
		return
	}
	mem[addr] = v &^ PLL_LOCKED
	m.lockLeft = m.LockPolls
	if m.lockLeft == 0 && !m.StuckLock {
		mem[addr] |= PLL_LOCKED
	}
	m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
}

func (m *Model) readCon0(mem regs.Mem, addr uint32) {
	if m.lockLeft == 0 || m.StuckLock {
		return
	}
	m.lockLeft--
	if m.lockLeft == 0 {
		mem[addr] |= PLL_LOCKED
		m.check(mem, regs.Access{Op: regs.OpRead, Addr: addr, Value: mem[addr]})
	}
}

func (m *Model) writeSel(statOff uint32) regs.WriteHook {
	return func(mem regs.Mem, addr, old, v uint32) {
		mem[m.block.Addr(statOff)] = 1 << MUX_SEL.Get(v)
		m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
	}
}

func (m *Model) writeKFCSel(mem regs.Mem, addr, old, v uint32) {
	stat := m.block.Addr(SRC_STAT_KFC2)
	mem[stat] = MuxStatusChanging
	m.muxLeft = m.MuxPolls
	if m.muxLeft == 0 && !m.StuckMux {
		mem[stat] = 1 << MUX_SEL.Get(v)
	}
	m.check(mem, regs.Access{Op: regs.OpWrite, Addr: addr, Value: v})
}

func (m *Model) readKFCStat(mem regs.Mem, addr uint32) {
	if m.muxLeft == 0 || m.StuckMux {
		return
	}
	m.muxLeft--
	if m.muxLeft == 0 {
		mem[addr] = 1 << MUX_SEL.Get(mem[m.block.Addr(SRC_SEL_KFC2)])
	}
}

func (m *Model) taps(mem regs.Mem) freq.Taps {
	a := m.block.Addr
	var pll uint64
	if mem[a(KFC_PLL_CON0)]&PLL_LOCKED != 0 && mem[a(KFC_PLL_CON1)]&PLL_BYPASS == 0 {
		p := UnpackPLL(mem[a(KFC_PLL_CON0)])
		pll = p.RateKHz(uint32(m.FinKHz))
	}
	kfcPLL := m.FinKHz
	if MUX_SEL.Get(mem[a(SRC_SEL_KFC0)]) == 1 {
		kfcPLL = pll
	}
	user := m.FinKHz
	if MUX_SEL.Get(mem[a(SRC_SEL_KFC1)]) == 1 {
		user = m.BusPLLKHz / 2
	}
	var src uint64
	switch MUX_STAT.Get(mem[a(SRC_STAT_KFC2)]) {
	case MuxStatusPLL:
		src = kfcPLL
	case MuxStatusFallback:
		src = user
	default:
		// A glitchless mux never outruns the faster of its inputs.
		src = kfcPLL
		if user > src {
			src = user
		}
	}
	d := UnpackDividers(mem[a(DIV_KFC0)], mem[a(DIV_KFC1)])
	return d.Taps(src, pll)
}

func (m *Model) check(mem regs.Mem, after regs.Access) {
	over := m.taps(mem).Exceeds(m.Limits)
	if len(over) == 0 {
		return
	}
	i := m.sim.Len()
	if after.Op == regs.OpWrite {
		i--
	}
	m.violations = append(m.violations, Violation{Index: i, After: after, Taps: over})
}
