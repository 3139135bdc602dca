// Package cmu is the register map of the Exynos5433 KFC clock management unit. It is the only
// place that knows bit layouts: the rest of the module deals in freq.PllConfig and
// freq.DividerConfig values.
package cmu

import (
	"bytes"
	"fmt"
	"os"

	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

const (
	BASE_KFC    = uint32(0x11900000)
	WINDOW_SIZE = 0x1000

	KFC_PLL_LOCK  = 0x0000
	KFC_PLL_CON0  = 0x0100
	KFC_PLL_CON1  = 0x0104
	SRC_SEL_KFC0  = 0x0200 // mout_kfc_pll: 0 = oscclk, 1 = fout_kfc_pll
	SRC_SEL_KFC1  = 0x0204 // mout_bus_pll_kfc_user: 0 = oscclk, 1 = mout_bus_pll_div2
	SRC_SEL_KFC2  = 0x0208 // mout_kfc: 0 = mout_kfc_pll, 1 = mout_bus_pll_kfc_user
	SRC_STAT_KFC0 = 0x0400
	SRC_STAT_KFC1 = 0x0404
	SRC_STAT_KFC2 = 0x0408
	DIV_KFC0      = 0x0600
	DIV_KFC1      = 0x0604
	DIV_STAT_KFC0 = 0x0700
	DIV_STAT_KFC1 = 0x0704

	PLL_ENABLE = uint32(1 << 31)
	PLL_LOCKED = uint32(1 << 29)
	PLL_BYPASS = uint32(1 << 22) // in CON1

	DIV_STAT_KFC0_BUSY = uint32(0x1111111)
	DIV_STAT_KFC1_BUSY = uint32(0x11)

	// Mux status values: one-hot select, 4 while the mux is switching.
	MuxStatusPLL      = 1
	MuxStatusFallback = 2
	MuxStatusChanging = 4

	// The PLL lock time is this many reference cycles per unit of P.
	LockFactor = 150
)

var (
	PLL_MDIV = regs.Field{Shift: 16, Width: 10}
	PLL_PDIV = regs.Field{Shift: 8, Width: 6}
	PLL_SDIV = regs.Field{Shift: 0, Width: 3}

	MUX_SEL  = regs.Field{Shift: 0, Width: 1}
	MUX_STAT = regs.Field{Shift: 0, Width: 3}

	// DIV_KFC0, in freq.DividerConfig order
	DIV_KFC1_RATIO = regs.Field{Shift: 0, Width: 3}
	DIV_KFC2_RATIO = regs.Field{Shift: 4, Width: 3}
	DIV_ACLK_KFC   = regs.Field{Shift: 8, Width: 3}
	DIV_PCLK_KFC   = regs.Field{Shift: 12, Width: 3}
	DIV_ATCLK      = regs.Field{Shift: 16, Width: 3}
	DIV_PCLK_DBG   = regs.Field{Shift: 20, Width: 3}
	DIV_CNTCLK     = regs.Field{Shift: 24, Width: 3}
	// DIV_KFC1
	DIV_KFC_PLL    = regs.Field{Shift: 0, Width: 3}
	DIV_SCLK_HPM   = regs.Field{Shift: 4, Width: 3}
)

// PLLMask covers the M, P and S fields of KFC_PLL_CON0.
var PLLMask = PLL_MDIV.Mask() | PLL_PDIV.Mask() | PLL_SDIV.Mask()

func PackPLL(p freq.PllConfig) uint32 {
	return PLL_MDIV.Set(0, p.M) | PLL_PDIV.Set(0, p.P) | PLL_SDIV.Set(0, p.S)
}

func UnpackPLL(con0 uint32) freq.PllConfig {
	return freq.PllConfig{M: PLL_MDIV.Get(con0), P: PLL_PDIV.Get(con0), S: PLL_SDIV.Get(con0)}
}

// PackDividers returns the DIV_KFC0 and DIV_KFC1 words for d.
func PackDividers(d freq.DividerConfig) (uint32, uint32) {
	div0 := DIV_KFC1_RATIO.Set(0, d.KFC1) | DIV_KFC2_RATIO.Set(0, d.KFC2) | DIV_ACLK_KFC.Set(0, d.ACLK) |
		DIV_PCLK_KFC.Set(0, d.PCLK) | DIV_ATCLK.Set(0, d.ATCLK) | DIV_PCLK_DBG.Set(0, d.PCLKDbg) |
		DIV_CNTCLK.Set(0, d.CNTCLK)
	div1 := DIV_KFC_PLL.Set(0, d.KFCPLL) | DIV_SCLK_HPM.Set(0, d.HPM)
	return div0, div1
}

func UnpackDividers(div0, div1 uint32) freq.DividerConfig {
	return freq.DividerConfig{
		KFC1:    DIV_KFC1_RATIO.Get(div0),
		KFC2:    DIV_KFC2_RATIO.Get(div0),
		ACLK:    DIV_ACLK_KFC.Get(div0),
		PCLK:    DIV_PCLK_KFC.Get(div0),
		ATCLK:   DIV_ATCLK.Get(div0),
		PCLKDbg: DIV_PCLK_DBG.Get(div0),
		CNTCLK:  DIV_CNTCLK.Get(div0),
		KFCPLL:  DIV_KFC_PLL.Get(div1),
		HPM:     DIV_SCLK_HPM.Get(div1),
	}
}

// DividerGroups is the number of independently clocked divider registers.
const DividerGroups = 2

type divGroup struct {
	ctl, stat, busy uint32
}

var divGroups = [DividerGroups]divGroup{
	{DIV_KFC0, DIV_STAT_KFC0, DIV_STAT_KFC0_BUSY},
	{DIV_KFC1, DIV_STAT_KFC1, DIV_STAT_KFC1_BUSY},
}

// Block gives typed access to one CMU_KFC instance.
type Block struct {
	port regs.Port
	base uint32
}

func NewBlock(port regs.Port, base uint32) *Block {
	return &Block{port: port, base: base}
}

func (b *Block) Port() regs.Port { return b.port }
func (b *Block) Base() uint32    { return b.base }

// Addr turns a register offset into an address on the port.
func (b *Block) Addr(off uint32) uint32 {
	return b.base + off
}

// SetDividerGroup writes group g of d. It does not wait for the divider to settle.
func (b *Block) SetDividerGroup(g int, d freq.DividerConfig) {
	div0, div1 := PackDividers(d)
	v := div0
	if g == 1 {
		v = div1
	}
	b.port.Write32(b.Addr(divGroups[g].ctl), v)
}

func (b *Block) DividerGroupBusy(g int) bool {
	return b.port.Read32(b.Addr(divGroups[g].stat))&divGroups[g].busy != 0
}

func (b *Block) Dividers() freq.DividerConfig {
	return UnpackDividers(b.port.Read32(b.Addr(DIV_KFC0)), b.port.Read32(b.Addr(DIV_KFC1)))
}

func (b *Block) PLL() freq.PllConfig {
	return UnpackPLL(b.port.Read32(b.Addr(KFC_PLL_CON0)))
}

// SetPLL replaces M, P and S in one read-modify-write, keeping every other control bit.
func (b *Block) SetPLL(p freq.PllConfig) {
	regs.Modify(b.port, b.Addr(KFC_PLL_CON0), PLLMask, PackPLL(p))
}

// SetScaler replaces only S.
func (b *Block) SetScaler(s uint32) {
	regs.Modify(b.port, b.Addr(KFC_PLL_CON0), PLL_SDIV.Mask(), PLL_SDIV.Set(0, s))
}

// SetLockTime programs the settling time for a PLL with pre-divider p.
func (b *Block) SetLockTime(p uint32) {
	b.port.Write32(b.Addr(KFC_PLL_LOCK), p*LockFactor)
}

func (b *Block) PLLLocked() bool {
	return b.port.Read32(b.Addr(KFC_PLL_CON0))&PLL_LOCKED != 0
}

func (b *Block) PLLBypassed() bool {
	return b.port.Read32(b.Addr(KFC_PLL_CON1))&PLL_BYPASS != 0
}

// MuxStatus returns the mout_kfc select status (MuxStatusPLL, MuxStatusFallback or
// MuxStatusChanging).
func (b *Block) MuxStatus() uint32 {
	return MUX_STAT.Get(b.port.Read32(b.Addr(SRC_STAT_KFC2)))
}

// NamedReg is a register and its current value, for dumps.
type NamedReg struct {
	Name  string
	Addr  uint32
	Value uint32
}

var regNames = []struct {
	name string
	off  uint32
}{
	{"KFC_PLL_LOCK", KFC_PLL_LOCK},
	{"KFC_PLL_CON0", KFC_PLL_CON0},
	{"KFC_PLL_CON1", KFC_PLL_CON1},
	{"SRC_SEL_KFC0", SRC_SEL_KFC0},
	{"SRC_SEL_KFC1", SRC_SEL_KFC1},
	{"SRC_SEL_KFC2", SRC_SEL_KFC2},
	{"SRC_STAT_KFC0", SRC_STAT_KFC0},
	{"SRC_STAT_KFC1", SRC_STAT_KFC1},
	{"SRC_STAT_KFC2", SRC_STAT_KFC2},
	{"DIV_KFC0", DIV_KFC0},
	{"DIV_KFC1", DIV_KFC1},
	{"DIV_STAT_KFC0", DIV_STAT_KFC0},
	{"DIV_STAT_KFC1", DIV_STAT_KFC1},
}

// Dump reads every known register.
func (b *Block) Dump() []NamedReg {
	out := make([]NamedReg, len(regNames))
	for i, r := range regNames {
		out[i] = NamedReg{r.name, b.Addr(r.off), b.port.Read32(b.Addr(r.off))}
	}
	return out
}

// RegName names the register at addr, or returns its address in hex.
func (b *Block) RegName(addr uint32) string {
	for _, r := range regNames {
		if b.Addr(r.off) == addr {
			return r.name
		}
	}
	return fmt.Sprintf("%08X", addr)
}

const compatibleFile = "/proc/device-tree/compatible"

// Detect checks the device tree to see whether we're running on an Exynos5433.
func Detect() error {
	b, err := os.ReadFile(compatibleFile)
	if err != nil {
		return fmt.Errorf("couldn't read %s: %w", compatibleFile, err)
	}
	return matchCompatible(b)
}

func matchCompatible(b []byte) error {
	for _, c := range bytes.Split(b, []byte{0}) {
		if string(c) == "samsung,exynos5433" {
			return nil
		}
	}
	return fmt.Errorf("not an Exynos5433, compatible is %q", bytes.ReplaceAll(bytes.TrimRight(b, "\x00"), []byte{0}, []byte(", ")))
}
