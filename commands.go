package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Jon-Bright/kfcfreq/clktree"
	"github.com/Jon-Bright/kfcfreq/cmu"
	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

var errBypassed = errors.New("PLL bypassed")

var (
	tableCmd = &cobra.Command{
		Use:   "table",
		Short: "Print the frequency table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			printTable(cmd.OutOrStdout(), tbl)
			return nil
		},
	}

	levelCmd = &cobra.Command{
		Use:   "level",
		Short: "Print the level the cluster is running at",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			i, err := t.currentLevel()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "L%d %d kHz\n", i, t.tbl.Level(i).RateKHz)
			return nil
		},
	}

	setCmd = &cobra.Command{
		Use:   "set <level|rate>",
		Short: "Move the cluster to a level",
		Long: "Move the cluster to a level. The argument is a level index (L12 or 12) or a rate in kHz, " +
			"in which case the slowest level at or above it is picked.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			c, err := t.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			i, err := parseLevel(t.tbl, args[0])
			if err != nil {
				return err
			}
			old := c.Current()
			if err := c.SetLevel(i); err != nil {
				return err
			}
			if err := t.portErr(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "L%d %d kHz -> L%d %d kHz\n", old, t.tbl.Level(old).RateKHz, i, t.tbl.Level(i).RateKHz)
			return nil
		},
	}

	aliveCmd = &cobra.Command{
		Use:   "alive",
		Short: "Report whether the cluster runs from its PLL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			bypassed := t.block.PLLBypassed()
			if err := t.portErr(); err != nil {
				return err
			}
			if bypassed {
				return errBypassed
			}
			fmt.Fprintln(cmd.OutOrStdout(), "alive")
			return nil
		},
	}

	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dump the CMU_KFC registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			printDump(cmd.OutOrStdout(), t.block, t.tbl.FinKHz)
			return t.portErr()
		},
	}

	treeCmd = &cobra.Command{
		Use:   "tree",
		Short: "Print the KFC clock tree with current rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			pll := t.block.PLL().RateKHz(t.tbl.FinKHz) * 1000
			if t.block.PLLBypassed() {
				pll = cmu.FIN_HZ
			}
			tree := cmu.Topology(t.block, pll)
			if err := t.portErr(); err != nil {
				return err
			}
			tree.Walk(func(c *clktree.Clk, depth int) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s%-*s %12d Hz\n", strings.Repeat("  ", depth), 28-2*depth, c.Name(), tree.Rate(c))
			})
			return nil
		},
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate <from> <to>",
		Short: "Run a transition against the simulated CMU and print every register access",
		Long: "Run a transition against the simulated CMU and print every register access, flagging " +
			"accesses after which a clock ran above the fastest level's rates. Implies --port=sim.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			from, err := parseLevel(tbl, args[0])
			if err != nil {
				return err
			}
			to, err := parseLevel(tbl, args[1])
			if err != nil {
				return err
			}
			opts.port, opts.boot = "sim", from
			t, err := openTarget()
			if err != nil {
				return err
			}
			c, err := t.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			s := t.port.(*regs.Sim)
			s.ResetTrace()
			seen := len(t.model.Violations())
			err = c.Transition(from, to)
			printTrace(cmd.OutOrStdout(), t.block, s.Trace(), t.model.Violations()[seen:])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "L%d -> L%d: relock %v, output %d kHz\n", from, to, c.NeedsFullRelock(from, to), t.model.OutputKHz())
			return nil
		},
	}
)

// parseLevel accepts "L12", "12" or a rate in kHz.
func parseLevel(tbl *freq.Table, s string) (int, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(s), "L"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("couldn't parse level %q: %w", s, err)
	}
	if n < uint64(tbl.Len()) {
		return int(n), nil
	}
	if strings.HasPrefix(strings.ToUpper(s), "L") {
		return 0, fmt.Errorf("level %s out of range, table has %d levels", s, tbl.Len())
	}
	return tbl.Ceil(uint32(n)), nil
}

func printTable(w io.Writer, tbl *freq.Table) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "level\tkHz\tM/P/S\tkfc1\tkfc2\taclk\tpclk\tatclk\tpclk_dbg\tcntclk\tkfc_pll\thpm\tuV\tabb\tbus kHz\t")
	for _, l := range tbl.Levels() {
		d := l.Div
		mark := ""
		switch l.Index {
		case tbl.MaxSupport:
			mark = " max"
		case tbl.MinSupport:
			mark = " min"
		case tbl.PLLSafe:
			mark = " safe"
		case tbl.Boost:
			mark = " boost"
		}
		fmt.Fprintf(tw, "L%d%s\t%d\t%v\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n", l.Index, mark, l.RateKHz, l.PLL,
			d.KFC1, d.KFC2, d.ACLK, d.PCLK, d.ATCLK, d.PCLKDbg, d.CNTCLK, d.KFCPLL, d.HPM, l.Voltage, l.ABB, l.BusKHz)
	}
	tw.Flush()
}

func printDump(w io.Writer, b *cmu.Block, finKHz uint32) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, r := range b.Dump() {
		fmt.Fprintf(tw, "%s\t%08X\t%08X\t\n", r.Name, r.Addr, r.Value)
	}
	tw.Flush()
	p := b.PLL()
	fmt.Fprintf(w, "PLL %v = %d kHz, locked %v, bypassed %v, mux status %d\n", p, p.RateKHz(finKHz),
		b.PLLLocked(), b.PLLBypassed(), b.MuxStatus())
	fmt.Fprintf(w, "dividers %+v\n", b.Dividers())
}

func printTrace(w io.Writer, b *cmu.Block, trace []regs.Access, violations []cmu.Violation) {
	over := map[int][]string{}
	for _, v := range violations {
		over[v.Index] = v.Taps
	}
	for i, a := range trace {
		line := fmt.Sprintf("%4d %v %-14s %08X", i, a.Op, b.RegName(a.Addr), a.Value)
		if taps, ok := over[i]; ok {
			line += fmt.Sprintf("  OVER LIMIT: %s", strings.Join(taps, ", "))
		}
		fmt.Fprintln(w, line)
	}
}
