package dvfs

import (
	"fmt"
	"log"

	"github.com/Jon-Bright/kfcfreq/clktree"
	"github.com/Jon-Bright/kfcfreq/cmu"
	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

// Transition reprograms the domain from level old to level new. old must describe what the
// hardware is programmed to. With the Spin waiter stuck hardware hangs; a bounded Waiter
// surfaces ErrWaitTimeout instead. A port that reports a link failure (regs.Faulter) stops the
// sequence with ErrPortFailed. On any error the domain is left wherever the sequence stopped and
// Current is unchanged.
func (c *Controller) Transition(old, new int) error {
	if !c.table.Valid(old) || !c.table.Valid(new) {
		return fmt.Errorf("%w: L%d -> L%d, table has %d levels", ErrLevelRange, old, new, c.table.Len())
	}
	from, to := c.table.Level(old), c.table.Level(new)

	if old != new {
		dividersFirst := old < new
		if c.order == DividersFirstOnIncrease {
			dividersFirst = !dividersFirst
		}
		if dividersFirst {
			if err := c.setDividers(to.Div); err != nil {
				return err
			}
		}
		if err := c.setPLLSide(old, new, from, to); err != nil {
			return err
		}
		if !dividersFirst {
			if err := c.setDividers(to.Div); err != nil {
				return err
			}
		}
	}

	if err := c.portErr(); err != nil {
		return err
	}
	if err := c.topo.SetRate(c.clk.fout, uint64(to.RateKHz)*1000); err != nil {
		log.Printf("%s: unable to set rate of %s: %v\n", c.table.Domain, c.clk.fout.Name(), err)
	}
	c.cur = new
	if c.debug {
		log.Printf("%s: new %d kHz, old %d kHz\n", c.table.Domain, to.RateKHz, from.RateKHz)
	}
	return nil
}

func (c *Controller) setPLLSide(old, new int, from, to freq.Level) error {
	if from.PLL.SameLoop(to.PLL) {
		c.cmu.SetScaler(to.PLL.S)
		return nil
	}
	return c.relock(old, new, to)
}

// relock moves the PLL to new M/P/S while the domain runs from the fallback parent.
func (c *Controller) relock(old, new int, to freq.Level) error {
	safe := old > c.table.PLLSafe && new > c.table.PLLSafe
	if safe {
		if err := c.setDividers(c.table.Level(c.table.PLLSafe).Div); err != nil {
			return err
		}
	}

	if err := c.switchMux(c.clk.busUser, cmu.MuxStatusFallback); err != nil {
		return err
	}
	c.cmu.SetLockTime(to.PLL.P)
	c.cmu.SetPLL(to.PLL)
	if err := c.waitUntil("pll lock", c.cmu.PLLLocked); err != nil {
		return err
	}
	if err := c.switchMux(c.clk.kfcPLL, cmu.MuxStatusPLL); err != nil {
		return err
	}

	if safe {
		return c.setDividers(to.Div)
	}
	return nil
}

// switchMux points mout_kfc at parent and waits for the status field to report want. A refused
// reparent is logged and the wait still happens.
func (c *Controller) switchMux(parent *clktree.Clk, want uint32) error {
	if err := c.topo.SetParent(c.clk.kfc, parent); err != nil {
		log.Printf("%s: unable to set parent %s of clock %s: %v\n", c.table.Domain, parent.Name(), c.clk.kfc.Name(), err)
	}
	return c.waitUntil(fmt.Sprintf("mux status %d", want), func() bool {
		return c.cmu.MuxStatus() == want
	})
}

func (c *Controller) setDividers(d freq.DividerConfig) error {
	for g := 0; g < cmu.DividerGroups; g++ {
		c.cmu.SetDividerGroup(g, d)
		err := c.waitUntil(fmt.Sprintf("divider group %d", g), func() bool {
			return !c.cmu.DividerGroupBusy(g)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// waitUntil waits for cond through the Waiter. A failed port ends the wait early: polling a dead
// link would otherwise look like hardware that never settles.
func (c *Controller) waitUntil(what string, cond func() bool) error {
	err := c.wait.WaitUntil(what, func() bool {
		return regs.PortErr(c.port) != nil || cond()
	})
	if err != nil {
		return err
	}
	return c.portErr()
}

func (c *Controller) portErr() error {
	if err := regs.PortErr(c.port); err != nil {
		return fmt.Errorf("%w: %w", ErrPortFailed, err)
	}
	return nil
}
