package regs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "W"
	}
	return "R"
}

// Access is one entry of a Sim trace.
type Access struct {
	Op    Op
	Addr  uint32
	Value uint32
}

func (a Access) String() string {
	return fmt.Sprintf("%v %08X %08X", a.Op, a.Addr, a.Value)
}

// Mem is the raw register file of a Sim, handed to hooks. Hooks run with the Sim locked and must
// only use Mem, never the Sim itself.
type Mem map[uint32]uint32

// WriteHook runs after a traced write has been stored. old is the value before the write.
type WriteHook func(mem Mem, addr uint32, old uint32, v uint32)

// ReadHook runs before a traced read returns, and may change what it returns.
type ReadHook func(mem Mem, addr uint32)

// Sim is an in-memory Port. Every Read32/Write32 is appended to a trace, and hooks can model
// hardware side effects such as status bits that settle after a number of polls.
type Sim struct {
	mu         sync.Mutex
	mem        Mem
	trace      []Access
	traced     atomic.Int64
	writeHooks map[uint32][]WriteHook
	readHooks  map[uint32][]ReadHook
}

func NewSim() *Sim {
	return &Sim{
		mem:        Mem{},
		writeHooks: map[uint32][]WriteHook{},
		readHooks:  map[uint32][]ReadHook{},
	}
}

func (s *Sim) Read32(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.readHooks[addr] {
		h(s.mem, addr)
	}
	v := s.mem[addr]
	s.trace = append(s.trace, Access{OpRead, addr, v})
	s.traced.Add(1)
	return v
}

func (s *Sim) Write32(addr uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.mem[addr]
	s.mem[addr] = v
	s.trace = append(s.trace, Access{OpWrite, addr, v})
	s.traced.Add(1)
	for _, h := range s.writeHooks[addr] {
		h(s.mem, addr, old, v)
	}
}

// Peek reads a register without tracing or running hooks.
func (s *Sim) Peek(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem[addr]
}

// Poke sets a register without tracing or running hooks.
func (s *Sim) Poke(addr uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[addr] = v
}

func (s *Sim) OnWrite(addr uint32, h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHooks[addr] = append(s.writeHooks[addr], h)
}

func (s *Sim) OnRead(addr uint32, h ReadHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHooks[addr] = append(s.readHooks[addr], h)
}

// Trace returns a copy of every access since creation or the last ResetTrace.
func (s *Sim) Trace() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.trace)
}

func (s *Sim) ResetTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = nil
	s.traced.Store(0)
}

// Len returns the length of the trace. It doesn't lock, so hooks may call it: a write hook runs
// after its write is traced, a read hook before its read is.
func (s *Sim) Len() int {
	return int(s.traced.Load())
}

// Writes returns the traced writes, in order.
func (s *Sim) Writes() []Access {
	var w []Access
	for _, a := range s.Trace() {
		if a.Op == OpWrite {
			w = append(w, a)
		}
	}
	return w
}

// Snapshot copies the whole register file.
func (s *Sim) Snapshot() Mem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.mem)
}

// Addrs returns every address that holds a value, sorted.
func (s *Sim) Addrs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := maps.Keys(s.mem)
	slices.Sort(a)
	return a
}
