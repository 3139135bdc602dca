package freq

import (
	_ "embed"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

//go:embed exynos5433_kfc.yaml
var rawExynos5433KFC []byte

// FactoryQoSTimeout is how long the boot QoS request holds in factory mode.
const FactoryQoSTimeout = 360 * time.Second

type levelDoc struct {
	Rate uint32   `yaml:"rate"`
	Div  []uint32 `yaml:"div"`
	PMS  []uint32 `yaml:"pms"`
	Volt uint32   `yaml:"volt"`
	Bus  uint32   `yaml:"bus"`
}

// Template is the engineering-supplied description of a domain, before calibration.
type Template struct {
	Domain           string     `yaml:"domain"`
	FinKHz           uint32     `yaml:"fin_khz"`
	MaxSupport       int        `yaml:"max_support"`
	MinSupport       int        `yaml:"min_support"`
	PLLSafe          int        `yaml:"pll_safe"`
	Boost            int        `yaml:"boost"`
	Boot             int        `yaml:"boot"`
	FactoryBootFloor int        `yaml:"factory_boot_floor"`
	Levels           []levelDoc `yaml:"levels"`
}

// ParseTemplate decodes a YAML table description.
func ParseTemplate(r io.Reader) (*Template, error) {
	var t Template
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: couldn't decode: %v", ErrInvalidTable, err)
	}
	return &t, nil
}

// Exynos5433KFC returns the built-in template for the Exynos5433 little cluster.
func Exynos5433KFC() *Template {
	var t Template
	if err := yaml.Unmarshal(rawExynos5433KFC, &t); err != nil {
		panic(fmt.Sprintf("embedded KFC table: %v", err))
	}
	return &t
}

// Table is the immutable, calibrated level table of one domain.
type Table struct {
	Domain string
	FinKHz uint32

	// Platform constants, fixed per revision rather than derived from the levels.
	MaxSupport       int
	MinSupport       int
	PLLSafe          int
	Boost            int
	Boot             int
	FactoryBootFloor int

	levels []Level
}

// Build validates t and fills voltage and body bias for each level from cal. A level without a
// calibrated voltage keeps the template's fallback voltage.
func Build(t *Template, cal Calibration) (*Table, error) {
	if cal == nil {
		cal = NoCalibration{}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	tbl := &Table{
		Domain:           t.Domain,
		FinKHz:           t.FinKHz,
		MaxSupport:       t.MaxSupport,
		MinSupport:       t.MinSupport,
		PLLSafe:          t.PLLSafe,
		Boost:            t.Boost,
		Boot:             t.Boot,
		FactoryBootFloor: t.FactoryBootFloor,
		levels:           make([]Level, len(t.Levels)),
	}
	for i, ld := range t.Levels {
		l := Level{
			Index:   i,
			RateKHz: ld.Rate,
			Div: DividerConfig{
				KFC1: ld.Div[0], KFC2: ld.Div[1], ACLK: ld.Div[2], PCLK: ld.Div[3],
				ATCLK: ld.Div[4], PCLKDbg: ld.Div[5], CNTCLK: ld.Div[6],
				KFCPLL: ld.Div[7], HPM: ld.Div[8],
			},
			PLL:     PllConfig{M: ld.PMS[0], P: ld.PMS[1], S: ld.PMS[2]},
			BusKHz:  ld.Bus,
			Voltage: ld.Volt,
		}
		if v, ok := cal.LookupVoltage(t.Domain, l.RateKHz); ok {
			l.Voltage = v
		}
		l.ABB = cal.LookupBias(t.Domain, l.RateKHz)
		log.Printf("CPUFREQ of %s L%d: %d uV, ABB %d\n", t.Domain, i, l.Voltage, l.ABB)
		tbl.levels[i] = l
	}
	log.Printf("CPUFREQ of %s max_freq: L%d %d kHz, min_freq: L%d %d kHz\n", t.Domain,
		tbl.MaxSupport, tbl.levels[tbl.MaxSupport].RateKHz, tbl.MinSupport, tbl.levels[tbl.MinSupport].RateKHz)
	return tbl, nil
}

// Load parses a YAML template from r and builds it.
func Load(r io.Reader, cal Calibration) (*Table, error) {
	t, err := ParseTemplate(r)
	if err != nil {
		return nil, err
	}
	return Build(t, cal)
}

// Default builds the Exynos5433 KFC table.
func Default(cal Calibration) (*Table, error) {
	return Build(Exynos5433KFC(), cal)
}

func (t *Template) validate() error {
	n := len(t.Levels)
	if n == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidTable)
	}
	if t.FinKHz == 0 {
		return fmt.Errorf("%w: fin_khz not set", ErrInvalidTable)
	}
	for name, idx := range map[string]int{
		"max_support": t.MaxSupport, "min_support": t.MinSupport, "pll_safe": t.PLLSafe,
		"boost": t.Boost, "boot": t.Boot, "factory_boot_floor": t.FactoryBootFloor,
	} {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: %s index %d outside 0..%d", ErrInvalidTable, name, idx, n-1)
		}
	}
	if t.MaxSupport > t.MinSupport {
		return fmt.Errorf("%w: max_support L%d is slower than min_support L%d", ErrInvalidTable, t.MaxSupport, t.MinSupport)
	}
	for i, l := range t.Levels {
		if i > 0 && l.Rate >= t.Levels[i-1].Rate {
			return fmt.Errorf("%w: L%d rate %d not below L%d rate %d", ErrInvalidTable, i, l.Rate, i-1, t.Levels[i-1].Rate)
		}
		if len(l.Div) != 9 {
			return fmt.Errorf("%w: L%d has %d divider fields, want 9", ErrInvalidTable, i, len(l.Div))
		}
		if slices.IndexFunc(l.Div, func(d uint32) bool { return d > 7 }) >= 0 {
			return fmt.Errorf("%w: L%d divider field wider than 3 bits: %v", ErrInvalidTable, i, l.Div)
		}
		if len(l.PMS) != 3 {
			return fmt.Errorf("%w: L%d has %d PMS values, want 3", ErrInvalidTable, i, len(l.PMS))
		}
		pll := PllConfig{M: l.PMS[0], P: l.PMS[1], S: l.PMS[2]}
		if pll.M < 64 || pll.M > 1023 || pll.P < 1 || pll.P > 63 || pll.S > 5 {
			return fmt.Errorf("%w: L%d PLL %v out of range", ErrInvalidTable, i, pll)
		}
		if got := pll.RateKHz(t.FinKHz); got != uint64(l.Rate) {
			return fmt.Errorf("%w: L%d PLL %v gives %d kHz, want %d", ErrInvalidTable, i, pll, got, l.Rate)
		}
		if l.Volt == 0 {
			return fmt.Errorf("%w: L%d has no fallback voltage", ErrInvalidTable, i)
		}
	}
	return nil
}

func (t *Table) Len() int {
	return len(t.levels)
}

func (t *Table) Valid(i int) bool {
	return i >= 0 && i < len(t.levels)
}

// Level returns level i. It panics if i is out of range, like a slice index.
func (t *Table) Level(i int) Level {
	return t.levels[i]
}

// Levels returns a copy of every level, fastest first.
func (t *Table) Levels() []Level {
	return slices.Clone(t.levels)
}

// Rates returns the level rates in kHz, fastest first.
func (t *Table) Rates() []uint32 {
	r := make([]uint32, len(t.levels))
	for i, l := range t.levels {
		r[i] = l.RateKHz
	}
	return r
}

// RatesAscending returns the level rates in kHz, slowest first.
func (t *Table) RatesAscending() []uint32 {
	r := t.Rates()
	slices.Sort(r)
	return r
}

// IndexOf returns the level with exactly rateKHz.
func (t *Table) IndexOf(rateKHz uint32) (int, bool) {
	i := slices.IndexFunc(t.levels, func(l Level) bool { return l.RateKHz == rateKHz })
	return i, i >= 0
}

// Ceil returns the slowest level whose rate is at least rateKHz, or the fastest level if none is.
func (t *Table) Ceil(rateKHz uint32) int {
	for i := len(t.levels) - 1; i >= 0; i-- {
		if t.levels[i].RateKHz >= rateKHz {
			return i
		}
	}
	return 0
}

func (t *Table) VoltTable() []uint32 {
	v := make([]uint32, len(t.levels))
	for i, l := range t.levels {
		v[i] = l.Voltage
	}
	return v
}

func (t *Table) ABBTable() []int32 {
	v := make([]int32, len(t.levels))
	for i, l := range t.levels {
		v[i] = l.ABB
	}
	return v
}

func (t *Table) BusTable() []uint32 {
	v := make([]uint32, len(t.levels))
	for i, l := range t.levels {
		v[i] = l.BusKHz
	}
	return v
}

// MaxTaps are the tap rates of the fastest level, taken as the rated maxima of the domain.
func (t *Table) MaxTaps() Taps {
	l := t.levels[0]
	pll := l.PLL.RateKHz(t.FinKHz)
	return l.Div.Taps(pll, pll)
}
