// Package clktree is a small clock framework: named clock nodes, the legal parents of each mux,
// and cached rates that follow reparenting and rate changes down the tree.
package clktree

import (
	"errors"
	"fmt"
	"log"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/Jon-Bright/kfcfreq/regs"
)

var (
	ErrNoClock     = errors.New("no such clock")
	ErrBadParent   = errors.New("illegal parent")
	ErrNotSettable = errors.New("rate not settable")
)

type Kind int

const (
	Fixed Kind = iota // rate set at registration
	PLL               // rate set through SetRate
	Mux               // one of several parents, chosen by a select field
	Div               // fixed divide of its parent
	Gate              // passes its parent through
)

// Clk is a node of the tree. It implements gonum's graph.Node.
type Clk struct {
	name    string
	id      int64
	kind    Kind
	rate    uint64
	div     uint64
	parents []string
	selReg  uint32
	sel     regs.Field
	refs    int
}

func (c *Clk) ID() int64      { return c.id }
func (c *Clk) Name() string   { return c.name }
func (c *Clk) Kind() Kind     { return c.kind }
func (c *Clk) Refs() int      { return c.refs }
func (c *Clk) String() string { return c.name }

// Tree owns the clock graph. Edges run from parent to child. Mux select writes go to port.
type Tree struct {
	port   regs.Port
	g      *simple.DirectedGraph
	byName map[string]*Clk
}

func New(port regs.Port) *Tree {
	return &Tree{
		port:   port,
		g:      simple.NewDirectedGraph(),
		byName: map[string]*Clk{},
	}
}

func (t *Tree) add(c *Clk, parent string) *Clk {
	if _, ok := t.byName[c.name]; ok {
		panic(fmt.Sprintf("clock %s registered twice", c.name))
	}
	c.id = int64(len(t.byName))
	t.byName[c.name] = c
	t.g.AddNode(c)
	if parent != "" {
		p, ok := t.byName[parent]
		if !ok {
			panic(fmt.Sprintf("clock %s registered before its parent %s", c.name, parent))
		}
		t.g.SetEdge(t.g.NewEdge(p, c))
	}
	t.recalc()
	return c
}

// AddFixed registers a root clock with a constant rate.
func (t *Tree) AddFixed(name string, hz uint64) *Clk {
	return t.add(&Clk{name: name, kind: Fixed, rate: hz}, "")
}

// AddPLL registers a PLL fed by parent, currently running at hz.
func (t *Tree) AddPLL(name, parent string, hz uint64) *Clk {
	return t.add(&Clk{name: name, kind: PLL, rate: hz}, parent)
}

// AddDiv registers a fixed divider.
func (t *Tree) AddDiv(name, parent string, div uint64) *Clk {
	return t.add(&Clk{name: name, kind: Div, div: div}, parent)
}

// AddGate registers a pass-through gate.
func (t *Tree) AddGate(name, parent string) *Clk {
	return t.add(&Clk{name: name, kind: Gate}, parent)
}

// AddMux registers a mux whose select field in selReg picks parents[i] for value i. current is
// the parent selected at registration; the register is not written.
func (t *Tree) AddMux(name string, parents []string, selReg uint32, sel regs.Field, current string) *Clk {
	if !slices.Contains(parents, current) {
		panic(fmt.Sprintf("mux %s: current parent %s not in %v", name, current, parents))
	}
	return t.add(&Clk{name: name, kind: Mux, parents: slices.Clone(parents), selReg: selReg, sel: sel}, current)
}

// Get looks a clock up by name and takes a reference to it.
func (t *Tree) Get(name string) (*Clk, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClock, name)
	}
	c.refs++
	return c, nil
}

// Put drops a reference taken by Get.
func (t *Tree) Put(c *Clk) {
	if c.refs == 0 {
		log.Printf("clock %s put more often than got\n", c.name)
		return
	}
	c.refs--
}

// Parent returns the current parent of c, or nil for a root.
func (t *Tree) Parent(c *Clk) *Clk {
	to := t.g.To(c.ID())
	if !to.Next() {
		return nil
	}
	return to.Node().(*Clk)
}

// Children returns the children of c sorted by name.
func (t *Tree) Children(c *Clk) []*Clk {
	var kids []*Clk
	from := t.g.From(c.ID())
	for from.Next() {
		kids = append(kids, from.Node().(*Clk))
	}
	slices.SortFunc(kids, func(a, b *Clk) bool { return a.name < b.name })
	return kids
}

// SetParent points mux child at parent and writes the select field. Parents not listed at
// registration, and reparenting that would make a loop, are refused.
func (t *Tree) SetParent(child, parent *Clk) error {
	if child.kind != Mux {
		return fmt.Errorf("%w: %s is not a mux", ErrBadParent, child.name)
	}
	sel := slices.Index(child.parents, parent.name)
	if sel < 0 {
		return fmt.Errorf("%w: %s is not a parent of %s", ErrBadParent, parent.name, child.name)
	}
	if topo.PathExistsIn(t.g, child, parent) {
		return fmt.Errorf("%w: %s descends from %s", ErrBadParent, parent.name, child.name)
	}
	if old := t.Parent(child); old != nil {
		t.g.RemoveEdge(old.ID(), child.ID())
	}
	t.g.SetEdge(t.g.NewEdge(parent, child))
	regs.Modify(t.port, child.selReg, child.sel.Mask(), child.sel.Set(0, uint32(sel)))
	t.recalc()
	return nil
}

// Rate returns the cached rate of c in Hz.
func (t *Tree) Rate(c *Clk) uint64 {
	return c.rate
}

// SetRate records that PLL c now runs at hz and updates everything below it. The hardware is
// assumed to have been programmed already.
func (t *Tree) SetRate(c *Clk, hz uint64) error {
	if c.kind != PLL {
		return fmt.Errorf("%w: %s", ErrNotSettable, c.name)
	}
	c.rate = hz
	t.recalc()
	return nil
}

// recalc refreshes cached rates in parent-before-child order.
func (t *Tree) recalc() {
	order, err := topo.Sort(t.g)
	if err != nil {
		panic(fmt.Sprintf("clock tree has a loop: %v", err))
	}
	for _, n := range order {
		c := n.(*Clk)
		p := t.Parent(c)
		if p == nil {
			continue
		}
		switch c.kind {
		case Mux, Gate:
			c.rate = p.rate
		case Div:
			c.rate = p.rate / c.div
		}
	}
}

// Names returns every registered clock name, sorted.
func (t *Tree) Names() []string {
	n := maps.Keys(t.byName)
	slices.Sort(n)
	return n
}

// Walk visits the tree depth first from each root, roots and siblings in name order.
func (t *Tree) Walk(fn func(c *Clk, depth int)) {
	var visit func(c *Clk, depth int)
	visit = func(c *Clk, depth int) {
		fn(c, depth)
		for _, k := range t.Children(c) {
			visit(k, depth+1)
		}
	}
	for _, name := range t.Names() {
		c := t.byName[name]
		if t.Parent(c) == nil {
			visit(c, 0)
		}
	}
}
