package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jon-Bright/kfcfreq/cmu"
	"github.com/Jon-Bright/kfcfreq/dvfs"
	"github.com/Jon-Bright/kfcfreq/freq"
	"github.com/Jon-Bright/kfcfreq/regs"
)

var (
	opts = struct {
		port        string
		serial      string
		baud        int
		serialWait  time.Duration
		table       string
		calibration string
		timeout     time.Duration
		ordering    string
		boot        int
		debug       bool
		factory     bool
		force       bool
	}{}

	rootCmd = &cobra.Command{
		Use:   "kfcfreq",
		Short: "Exynos5433 KFC cluster frequency control",
		Long: "kfcfreq inspects and changes the operating level of the Exynos5433 KFC (Cortex-A53) cluster, " +
			"directly through /dev/mem, over a U-Boot serial console, or against a simulated CMU.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.port, "port", "p", "devmem", "register access: one of devmem, console, sim")
	f.StringVar(&opts.serial, "serial", "/dev/ttyUSB0", "serial device of the U-Boot console (--port=console)")
	f.IntVar(&opts.baud, "baud", 115200, "baud rate of the U-Boot console")
	f.DurationVar(&opts.serialWait, "serial-timeout", 2*time.Second, "read timeout on the U-Boot console")
	f.StringVarP(&opts.table, "table", "t", "", "YAML frequency table; empty means the built-in Exynos5433 KFC table")
	f.StringVarP(&opts.calibration, "calibration", "c", "", "YAML calibration data for voltages and body bias")
	f.DurationVar(&opts.timeout, "timeout", 0, "give up on a hardware wait after this long; 0 waits forever")
	f.StringVar(&opts.ordering, "ordering", dvfs.DividersFirstOnDecrease.String(), "which side is programmed first: "+
		dvfs.DividersFirstOnDecrease.String()+" or "+dvfs.DividersFirstOnIncrease.String())
	f.IntVar(&opts.boot, "boot", -1, "level the simulated CMU boots at (--port=sim); -1 means the table's boot level")
	f.BoolVarP(&opts.debug, "debug", "g", false, "log every transition")
	f.BoolVar(&opts.factory, "factory", false, "factory mode: hold boot QoS at the factory floor")
	f.BoolVar(&opts.force, "force", false, "skip the Exynos5433 device-tree check (--port=devmem)")

	rootCmd.AddCommand(tableCmd, levelCmd, setCmd, aliveCmd, dumpCmd, treeCmd, simulateCmd, serveCmd)
}

func loadTable() (*freq.Table, error) {
	var cal freq.Calibration = freq.NoCalibration{}
	if opts.calibration != "" {
		f, err := os.Open(opts.calibration)
		if err != nil {
			return nil, fmt.Errorf("couldn't open calibration: %w", err)
		}
		defer f.Close()
		sc, err := freq.LoadCalibration(f)
		if err != nil {
			return nil, err
		}
		cal = sc
	}
	if opts.table == "" {
		return freq.Default(cal)
	}
	f, err := os.Open(opts.table)
	if err != nil {
		return nil, fmt.Errorf("couldn't open table: %w", err)
	}
	defer f.Close()
	return freq.Load(f, cal)
}

// target is everything a command needs to talk to the cluster.
type target struct {
	tbl    *freq.Table
	port   regs.Port
	block  *cmu.Block
	model  *cmu.Model // only for --port=sim
	closer io.Closer
}

func (t *target) Close() {
	if t.closer != nil {
		t.closer.Close()
	}
}

// portErr returns the sticky error of a console port, if there is one.
func (t *target) portErr() error {
	return regs.PortErr(t.port)
}

func openTarget() (*target, error) {
	tbl, err := loadTable()
	if err != nil {
		return nil, err
	}
	t := &target{tbl: tbl}
	switch opts.port {
	case "devmem":
		if !opts.force {
			if err := cmu.Detect(); err != nil {
				return nil, fmt.Errorf("%w (use --force to skip this check)", err)
			}
		}
		dm, err := regs.OpenDevMem(cmu.BASE_KFC, cmu.WINDOW_SIZE)
		if err != nil {
			return nil, err
		}
		t.port, t.closer = dm, dm
	case "console":
		c, err := regs.OpenConsole(opts.serial, opts.baud, opts.serialWait)
		if err != nil {
			return nil, err
		}
		t.port, t.closer = c, c
	case "sim":
		boot := opts.boot
		if boot < 0 {
			boot = tbl.Boot
		}
		if !tbl.Valid(boot) {
			return nil, fmt.Errorf("boot level %d out of range", boot)
		}
		s := regs.NewSim()
		t.model = cmu.NewModel(s, cmu.BASE_KFC, tbl.MaxTaps())
		t.model.Boot(tbl.Level(boot))
		t.port = s
	default:
		return nil, fmt.Errorf("unknown port %q", opts.port)
	}
	t.block = cmu.NewBlock(t.port, cmu.BASE_KFC)
	return t, nil
}

// currentLevel works out which level the PLL is programmed to now.
func (t *target) currentLevel() (int, error) {
	p := t.block.PLL()
	rate := p.RateKHz(t.tbl.FinKHz)
	if err := t.portErr(); err != nil {
		return 0, err
	}
	i, ok := t.tbl.IndexOf(uint32(rate))
	if !ok {
		return 0, fmt.Errorf("PLL at %v (%d kHz) isn't a level in the table", p, rate)
	}
	return i, nil
}

func (t *target) controller() (*dvfs.Controller, error) {
	order, err := dvfs.ParseOrdering(opts.ordering)
	if err != nil {
		return nil, err
	}
	cur, err := t.currentLevel()
	if err != nil {
		return nil, err
	}
	var w dvfs.Waiter = dvfs.Spin{}
	if opts.timeout > 0 {
		w = dvfs.Bounded{Timeout: opts.timeout}
	}
	pllHz := uint64(t.tbl.Level(cur).RateKHz) * 1000
	return dvfs.New(dvfs.Config{
		Table:    t.tbl,
		Port:     t.port,
		Topology: cmu.Topology(t.block, pllHz),
		Waiter:   w,
		Current:  cur,
		Ordering: order,
		Factory:  opts.factory,
		Debug:    opts.debug,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed: %v", err)
	}
}
