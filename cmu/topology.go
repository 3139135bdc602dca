package cmu

import (
	"github.com/Jon-Bright/kfcfreq/clktree"
)

const (
	CLK_FIN_PLL           = "fin_pll"
	CLK_FOUT_KFC_PLL      = "fout_kfc_pll"
	CLK_MOUT_KFC_PLL      = "mout_kfc_pll"
	CLK_SCLK_BUS_PLL      = "sclk_bus_pll"
	CLK_MOUT_BUS_PLL_DIV2 = "mout_bus_pll_div2"
	CLK_MOUT_BUS_PLL_USER = "mout_bus_pll_kfc_user"
	CLK_MOUT_KFC          = "mout_kfc"
	CLK_ARMCLK_KFC        = "armclk_kfc"

	FIN_HZ     = 24000000
	BUS_PLL_HZ = 1600000000
)

// Topology builds the KFC clock tree on top of b. Mux parents are taken from the select
// registers as they are now; pllHz is the rate the KFC PLL is currently programmed for.
func Topology(b *Block, pllHz uint64) *clktree.Tree {
	t := clktree.New(b.Port())
	current := func(off uint32, parents []string) string {
		return parents[MUX_SEL.Get(b.Port().Read32(b.Addr(off)))]
	}

	t.AddFixed(CLK_FIN_PLL, FIN_HZ)
	t.AddPLL(CLK_FOUT_KFC_PLL, CLK_FIN_PLL, pllHz)
	t.AddFixed(CLK_SCLK_BUS_PLL, BUS_PLL_HZ)
	t.AddDiv(CLK_MOUT_BUS_PLL_DIV2, CLK_SCLK_BUS_PLL, 2)

	kfcPLL := []string{CLK_FIN_PLL, CLK_FOUT_KFC_PLL}
	t.AddMux(CLK_MOUT_KFC_PLL, kfcPLL, b.Addr(SRC_SEL_KFC0), MUX_SEL, current(SRC_SEL_KFC0, kfcPLL))
	user := []string{CLK_FIN_PLL, CLK_MOUT_BUS_PLL_DIV2}
	t.AddMux(CLK_MOUT_BUS_PLL_USER, user, b.Addr(SRC_SEL_KFC1), MUX_SEL, current(SRC_SEL_KFC1, user))
	kfc := []string{CLK_MOUT_KFC_PLL, CLK_MOUT_BUS_PLL_USER}
	t.AddMux(CLK_MOUT_KFC, kfc, b.Addr(SRC_SEL_KFC2), MUX_SEL, current(SRC_SEL_KFC2, kfc))
	t.AddGate(CLK_ARMCLK_KFC, CLK_MOUT_KFC)
	return t
}
