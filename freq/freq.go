// Package freq holds the frequency level table of a clock domain: the ordered list of supported
// rates, the divider and PLL settings that realise each one, and the calibrated voltage and body
// bias stored alongside them.
package freq

import (
	"errors"
	"fmt"
)

var ErrInvalidTable = errors.New("invalid frequency table")

// DividerConfig holds the ratio fields of the domain's divider chain. Each field divides by its
// value plus one. The first seven taps live in divider group 0, the last two in group 1.
type DividerConfig struct {
	KFC1    uint32
	KFC2    uint32
	ACLK    uint32
	PCLK    uint32
	ATCLK   uint32
	PCLKDbg uint32
	CNTCLK  uint32

	KFCPLL uint32
	HPM    uint32
}

func (d DividerConfig) fields() []uint32 {
	return []uint32{d.KFC1, d.KFC2, d.ACLK, d.PCLK, d.ATCLK, d.PCLKDbg, d.CNTCLK, d.KFCPLL, d.HPM}
}

// Taps are the downstream rates a divider configuration produces, in kHz.
type Taps struct {
	Core    uint64
	ACLK    uint64
	PCLK    uint64
	ATCLK   uint64
	PCLKDbg uint64
	CNTCLK  uint64
	KFCPLL  uint64
	HPM     uint64
}

// Taps computes tap rates for a core source of srcKHz and a PLL output of pllKHz.
func (d DividerConfig) Taps(srcKHz uint64, pllKHz uint64) Taps {
	core := srcKHz / uint64(d.KFC1+1) / uint64(d.KFC2+1)
	sclk := pllKHz / uint64(d.KFCPLL+1)
	return Taps{
		Core:    core,
		ACLK:    core / uint64(d.ACLK+1),
		PCLK:    core / uint64(d.PCLK+1),
		ATCLK:   core / uint64(d.ATCLK+1),
		PCLKDbg: core / uint64(d.PCLKDbg+1),
		CNTCLK:  core / uint64(d.CNTCLK+1),
		KFCPLL:  sclk,
		HPM:     sclk / uint64(d.HPM+1),
	}
}

// Exceeds returns the names of taps in t that are above the same tap in max.
func (t Taps) Exceeds(max Taps) []string {
	var over []string
	check := func(name string, v, m uint64) {
		if v > m {
			over = append(over, name)
		}
	}
	check("core", t.Core, max.Core)
	check("aclk", t.ACLK, max.ACLK)
	check("pclk", t.PCLK, max.PCLK)
	check("atclk", t.ATCLK, max.ATCLK)
	check("pclk_dbg", t.PCLKDbg, max.PCLKDbg)
	check("cntclk", t.CNTCLK, max.CNTCLK)
	check("sclk_kfc_pll", t.KFCPLL, max.KFCPLL)
	check("sclk_hpm", t.HPM, max.HPM)
	return over
}

// PllConfig is the multiplier, pre-divider and scaler of the domain PLL.
type PllConfig struct {
	M uint32
	P uint32
	S uint32
}

// SameLoop reports whether the two configurations only differ in S, i.e. whether the PLL can go
// from one to the other without relocking.
func (p PllConfig) SameLoop(o PllConfig) bool {
	return p.M == o.M && p.P == o.P
}

// RateKHz is the PLL output for a reference of finKHz.
func (p PllConfig) RateKHz(finKHz uint32) uint64 {
	if p.P == 0 {
		return 0
	}
	return uint64(p.M) * uint64(finKHz) / (uint64(p.P) << p.S)
}

func (p PllConfig) String() string {
	return fmt.Sprintf("M=%d P=%d S=%d", p.M, p.P, p.S)
}

// Level is one entry of the table. Index 0 is the fastest level.
type Level struct {
	Index   int
	RateKHz uint32
	Div     DividerConfig
	PLL     PllConfig
	BusKHz  uint32 // minimum memory throughput to request at this level
	Voltage uint32 // uV
	ABB     int32
}
