// Package dvfs changes the operating level of the KFC clock domain. It sequences divider writes,
// PLL relocks and mux switches so that no intermediate state overclocks a downstream tap.
//
// The Controller is not safe for concurrent use and is not reentrant: callers serialise
// transitions. IsAlive only reads and may be called at any time.
package dvfs

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Jon-Bright/kfcfreq/clktree"
	"github.com/Jon-Bright/kfcfreq/cmu"
	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

var (
	ErrInitializationFailed = errors.New("clock domain initialization failed")
	ErrLevelRange           = errors.New("level index out of range")
	ErrPortFailed           = errors.New("register port failed")
)

// Domain is what the frequency governor sees of a clock domain.
type Domain interface {
	Transition(old, new int) error
	NeedsFullRelock(old, new int) bool
	IsAlive() bool
}

// Topology is the clock framework the controller reparents the domain mux through.
// *clktree.Tree implements it.
type Topology interface {
	Get(name string) (*clktree.Clk, error)
	Put(c *clktree.Clk)
	SetParent(child, parent *clktree.Clk) error
	Rate(c *clktree.Clk) uint64
	SetRate(c *clktree.Clk, hz uint64) error
}

// Ordering decides which side of a transition is programmed first.
type Ordering int

const (
	// DividersFirstOnDecrease writes the divider chain before the PLL when the rate goes down,
	// and after it when the rate goes up.
	DividersFirstOnDecrease Ordering = iota
	// DividersFirstOnIncrease is the mirror image, for tables whose divisors grow with the rate.
	DividersFirstOnIncrease
)

func (o Ordering) String() string {
	switch o {
	case DividersFirstOnDecrease:
		return "dividers-first-on-decrease"
	case DividersFirstOnIncrease:
		return "dividers-first-on-increase"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

func ParseOrdering(s string) (Ordering, error) {
	for _, o := range []Ordering{DividersFirstOnDecrease, DividersFirstOnIncrease} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown ordering %q", s)
}

type Config struct {
	Table    *freq.Table
	Port     regs.Port
	Base     uint32 // CMU_KFC base on Port; 0 means cmu.BASE_KFC
	Topology Topology
	Waiter   Waiter // nil means Spin
	// Current is the level the hardware is programmed to now; negative means Table.Boot.
	Current  int
	Ordering Ordering
	Factory  bool // hold boot QoS at or below FactoryBootFloor for FactoryQoSTimeout
	Debug    bool // log every transition
}

// Info is what the domain exposes to the platform registration layer.
type Info struct {
	Rates           []uint32 // kHz, fastest first
	RatesAscending  []uint32
	FallbackRateKHz uint32
	PLLSafeIndex    int
	MaxSupportIndex int
	MinSupportIndex int
	BoostRateKHz    uint32
	BootMinQoS      uint32 // kHz
	BootMaxQoS      uint32
	BootQoSTimeout  time.Duration // zero unless factory mode
	VoltTable       []uint32
	ABBTable        []int32
	BusTable        []uint32
	Domain          Domain
}

type clocks struct {
	kfc     *clktree.Clk // mout_kfc, the domain mux
	kfcPLL  *clktree.Clk // PLL-direct parent
	busUser *clktree.Clk // fallback parent
	fout    *clktree.Clk // PLL output
}

type Controller struct {
	table *freq.Table
	port  regs.Port
	cmu   *cmu.Block
	topo  Topology
	wait  Waiter
	order Ordering
	debug bool
	clk   clocks
	info  Info
	cur   int
}

// New acquires the domain's clocks, routes the fallback parent to the bus PLL and returns a
// controller at cfg.Current. On failure every clock acquired so far is released, newest first,
// and the error wraps ErrInitializationFailed.
func New(cfg Config) (*Controller, error) {
	if cfg.Table == nil || cfg.Port == nil || cfg.Topology == nil {
		return nil, fmt.Errorf("%w: table, port and topology are required", ErrInitializationFailed)
	}
	base := cfg.Base
	if base == 0 {
		base = cmu.BASE_KFC
	}
	wait := cfg.Waiter
	if wait == nil {
		wait = Spin{}
	}
	cur := cfg.Current
	if cur < 0 {
		cur = cfg.Table.Boot
	}
	if !cfg.Table.Valid(cur) {
		return nil, fmt.Errorf("%w: %w: current L%d", ErrInitializationFailed, ErrLevelRange, cur)
	}

	topo := cfg.Topology
	var held []*clktree.Clk
	fail := func(err error) (*Controller, error) {
		for i := len(held) - 1; i >= 0; i-- {
			topo.Put(held[i])
		}
		log.Printf("%s: failed initialization: %v\n", cfg.Table.Domain, err)
		return nil, fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	get := func(name string) (*clktree.Clk, error) {
		c, err := topo.Get(name)
		if err != nil {
			return nil, fmt.Errorf("failed get %s clk: %w", name, err)
		}
		held = append(held, c)
		return c, nil
	}

	var clk clocks
	var div2 *clktree.Clk
	var err error
	if clk.kfc, err = get(cmu.CLK_MOUT_KFC); err != nil {
		return fail(err)
	}
	if clk.kfcPLL, err = get(cmu.CLK_MOUT_KFC_PLL); err != nil {
		return fail(err)
	}
	if div2, err = get(cmu.CLK_MOUT_BUS_PLL_DIV2); err != nil {
		return fail(err)
	}
	if clk.busUser, err = get(cmu.CLK_MOUT_BUS_PLL_USER); err != nil {
		return fail(err)
	}
	if err = topo.SetParent(clk.busUser, div2); err != nil {
		return fail(fmt.Errorf("unable to set parent %s of clock %s: %w", div2.Name(), clk.busUser.Name(), err))
	}
	if err = regs.PortErr(cfg.Port); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPortFailed, err))
	}
	fallbackKHz := uint32(topo.Rate(clk.busUser) / 1000)
	if clk.fout, err = get(cmu.CLK_FOUT_KFC_PLL); err != nil {
		return fail(err)
	}
	// The divider only had to be held while the fallback parent was routed.
	topo.Put(div2)
	held = nil

	c := &Controller{
		table: cfg.Table,
		port:  cfg.Port,
		cmu:   cmu.NewBlock(cfg.Port, base),
		topo:  topo,
		wait:  wait,
		order: cfg.Ordering,
		debug: cfg.Debug,
		clk:   clk,
		cur:   cur,
	}
	c.info = c.buildInfo(fallbackKHz, cfg.Factory)
	log.Printf("%s: fallback %d kHz, boot L%d %d kHz, %v\n", cfg.Table.Domain, fallbackKHz,
		cur, cfg.Table.Level(cur).RateKHz, cfg.Ordering)
	return c, nil
}

func (c *Controller) buildInfo(fallbackKHz uint32, factory bool) Info {
	t := c.table
	boot := t.Boot
	var timeout time.Duration
	if factory {
		if boot < t.FactoryBootFloor {
			boot = t.FactoryBootFloor
		}
		timeout = freq.FactoryQoSTimeout
	}
	return Info{
		Rates:           t.Rates(),
		RatesAscending:  t.RatesAscending(),
		FallbackRateKHz: fallbackKHz,
		PLLSafeIndex:    t.PLLSafe,
		MaxSupportIndex: t.MaxSupport,
		MinSupportIndex: t.MinSupport,
		BoostRateKHz:    t.Level(t.Boost).RateKHz,
		BootMinQoS:      t.Level(boot).RateKHz,
		BootMaxQoS:      t.Level(boot).RateKHz,
		BootQoSTimeout:  timeout,
		VoltTable:       t.VoltTable(),
		ABBTable:        t.ABBTable(),
		BusTable:        t.BusTable(),
		Domain:          c,
	}
}

// Close releases the controller's clocks. The controller must not be used afterwards.
func (c *Controller) Close() {
	for _, clk := range []*clktree.Clk{c.clk.fout, c.clk.busUser, c.clk.kfcPLL, c.clk.kfc} {
		c.topo.Put(clk)
	}
}

func (c *Controller) Info() Info          { return c.info }
func (c *Controller) Table() *freq.Table { return c.table }

// Current is the level the controller last programmed.
func (c *Controller) Current() int { return c.cur }

// IsAlive reports whether the domain is running from its PLL, i.e. the PLL is not bypassed.
// A failed port can't confirm that and reports false.
func (c *Controller) IsAlive() bool {
	bypassed := c.cmu.PLLBypassed()
	return !bypassed && regs.PortErr(c.port) == nil
}

// NeedsFullRelock reports whether going from old to new changes the PLL's M or P. Out-of-range
// indices report false; Transition rejects them.
func (c *Controller) NeedsFullRelock(old, new int) bool {
	if !c.table.Valid(old) || !c.table.Valid(new) {
		return false
	}
	return !c.table.Level(old).PLL.SameLoop(c.table.Level(new).PLL)
}

// SetLevel moves from the current level to new.
func (c *Controller) SetLevel(new int) error {
	return c.Transition(c.cur, new)
}

// SetTarget moves to the slowest level at or above rateKHz.
func (c *Controller) SetTarget(rateKHz uint32) error {
	return c.SetLevel(c.table.Ceil(rateKHz))
}
