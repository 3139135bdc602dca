package freq

import (
	"errors"
	"strings"
	"testing"
)

func defaultTable(t *testing.T) *Table {
	tbl, err := Default(nil)
	if err != nil {
		t.Fatalf("Failed Default: %v", err)
	}
	return tbl
}

func TestDefaultTable(t *testing.T) {
	tbl := defaultTable(t)
	if tbl.Len() != 19 {
		t.Fatalf("Len got: %d, want: 19", tbl.Len())
	}
	tests := []struct {
		idx  int
		rate uint32
		pll  PllConfig
		aclk uint32
		volt uint32
	}{
		{0, 2000000, PllConfig{500, 6, 0}, 2, 1375000},
		{4, 1600000, PllConfig{400, 6, 0}, 2, 1275000},
		{12, 800000, PllConfig{400, 6, 1}, 2, 1000000},
		{13, 700000, PllConfig{350, 6, 1}, 2, 975000},
		{14, 600000, PllConfig{500, 5, 2}, 1, 950000},
		{18, 200000, PllConfig{400, 6, 3}, 1, 850000},
	}
	for _, test := range tests {
		l := tbl.Level(test.idx)
		if l.Index != test.idx || l.RateKHz != test.rate || l.PLL != test.pll || l.Div.ACLK != test.aclk || l.Voltage != test.volt {
			t.Errorf("L%d got: %+v, want rate %d pll %v aclk %d volt %d", test.idx, l, test.rate, test.pll, test.aclk, test.volt)
		}
	}
	if tbl.MaxSupport != 4 || tbl.MinSupport != 18 || tbl.PLLSafe != 12 || tbl.Boost != 10 || tbl.Boot != 7 || tbl.FactoryBootFloor != 12 {
		t.Errorf("platform constants got: %+v", tbl)
	}
	if got := tbl.BusTable()[10]; got != 543000 {
		t.Errorf("bus L10 got: %d, want: 543000", got)
	}
}

func TestRatesAndLookups(t *testing.T) {
	tbl := defaultTable(t)
	r := tbl.Rates()
	ra := tbl.RatesAscending()
	if r[0] != 2000000 || r[18] != 200000 || ra[0] != 200000 || ra[18] != 2000000 {
		t.Errorf("rates got: %v / %v", r, ra)
	}
	tests := []struct {
		rate    uint32
		index   int
		found   bool
		ceiling int
	}{
		{800000, 12, true, 12},
		{750000, -1, false, 12},
		{100000, -1, false, 18},
		{2500000, -1, false, 0},
		{2000000, 0, true, 0},
	}
	for _, test := range tests {
		i, ok := tbl.IndexOf(test.rate)
		if i != test.index || ok != test.found {
			t.Errorf("IndexOf(%d) got: %d, %v, want: %d, %v", test.rate, i, ok, test.index, test.found)
		}
		if got := tbl.Ceil(test.rate); got != test.ceiling {
			t.Errorf("Ceil(%d) got: %d, want: %d", test.rate, got, test.ceiling)
		}
	}
	if tbl.Valid(-1) || tbl.Valid(19) || !tbl.Valid(0) {
		t.Errorf("Valid bounds wrong")
	}
}

func TestSameLoop(t *testing.T) {
	tbl := defaultTable(t)
	tests := []struct {
		a, b int
		want bool
	}{
		{4, 12, true},  // 400/6, S 0 -> 1
		{12, 16, true}, // 400/6, S 1 -> 2
		{10, 15, true}, // 500/6, S 1 -> 2
		{12, 13, false},
		{4, 13, false},
		{7, 7, true},
	}
	for _, test := range tests {
		if got := tbl.Level(test.a).PLL.SameLoop(tbl.Level(test.b).PLL); got != test.want {
			t.Errorf("SameLoop(L%d, L%d) got: %v, want: %v", test.a, test.b, got, test.want)
		}
	}
}

const calYAML = `
group: 3
domains:
  KFC:
    - {rate: 2000000, volt: 1300000, abb: 2}
    - {rate: 800000, abb: -1}
  EGL:
    - {rate: 800000, volt: 900000}
`

func TestCalibration(t *testing.T) {
	cal, err := LoadCalibration(strings.NewReader(calYAML))
	if err != nil {
		t.Fatalf("Failed LoadCalibration: %v", err)
	}
	tbl, err := Default(cal)
	if err != nil {
		t.Fatalf("Failed Default: %v", err)
	}
	tests := []struct {
		idx  int
		volt uint32
		abb  int32
	}{
		{0, 1300000, 2},  // calibrated
		{12, 1000000, -1}, // no voltage, falls back; bias still applied
		{13, 975000, 0},   // nothing at all
	}
	for _, test := range tests {
		l := tbl.Level(test.idx)
		if l.Voltage != test.volt || l.ABB != test.abb {
			t.Errorf("L%d got: %d uV ABB %d, want: %d uV ABB %d", test.idx, l.Voltage, l.ABB, test.volt, test.abb)
		}
	}
	if v := tbl.VoltTable(); v[0] != 1300000 || v[1] != 1375000 {
		t.Errorf("VoltTable got: %v", v)
	}
	if a := tbl.ABBTable(); a[12] != -1 {
		t.Errorf("ABBTable got: %v", a)
	}
}

func TestInvalidTemplates(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Template)
	}{
		{"empty", func(t *Template) { t.Levels = nil }},
		{"no fin", func(t *Template) { t.FinKHz = 0 }},
		{"pll safe out of range", func(t *Template) { t.PLLSafe = 19 }},
		{"max slower than min", func(t *Template) { t.MaxSupport, t.MinSupport = 18, 4 }},
		{"not descending", func(t *Template) { t.Levels[3].Rate = 2000000 }},
		{"short divider", func(t *Template) { t.Levels[2].Div = t.Levels[2].Div[:8] }},
		{"wide divider", func(t *Template) { t.Levels[2].Div = []uint32{0, 0, 8, 7, 7, 7, 3, 1, 7} }},
		{"pms mismatch", func(t *Template) { t.Levels[5].PMS = []uint32{251, 4, 0} }},
		{"bad p", func(t *Template) { t.Levels[5].PMS = []uint32{250, 0, 0} }},
		{"no volt", func(t *Template) { t.Levels[5].Volt = 0 }},
	}
	for _, test := range tests {
		tpl := Exynos5433KFC()
		test.edit(tpl)
		if _, err := Build(tpl, nil); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("%s: got err %v, want ErrInvalidTable", test.name, err)
		}
	}
}

func TestLoad(t *testing.T) {
	doc := `
domain: TEST
fin_khz: 24000
max_support: 0
min_support: 1
pll_safe: 1
boost: 0
boot: 1
factory_boot_floor: 1
levels:
  - {rate: 1000000, div: [0, 0, 2, 7, 7, 7, 3, 1, 7], pms: [500, 6, 1], volt: 1000000}
  - {rate: 500000, div: [0, 0, 1, 7, 7, 7, 3, 1, 7], pms: [500, 6, 2], volt: 900000}
`
	tbl, err := Load(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("Failed Load: %v", err)
	}
	if tbl.Domain != "TEST" || tbl.Len() != 2 {
		t.Errorf("got domain %s with %d levels", tbl.Domain, tbl.Len())
	}
	if _, err := Load(strings.NewReader("domain: X\nbogus: 1\n"), nil); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("unknown field got err %v, want ErrInvalidTable", err)
	}
}

func TestTaps(t *testing.T) {
	tbl := defaultTable(t)
	max := tbl.MaxTaps()
	want := Taps{Core: 2000000, ACLK: 666666, PCLK: 250000, ATCLK: 250000, PCLKDbg: 250000, CNTCLK: 500000, KFCPLL: 1000000, HPM: 125000}
	if max != want {
		t.Errorf("MaxTaps got: %+v, want: %+v", max, want)
	}
	l18 := tbl.Level(18)
	over := l18.Div.Taps(2000000, 2000000).Exceeds(max)
	if len(over) != 1 || over[0] != "aclk" {
		t.Errorf("L18 dividers at 2 GHz should only overclock aclk, got %v", over)
	}
	if over := tbl.Level(13).Div.Taps(800000, 700000).Exceeds(max); len(over) != 0 {
		t.Errorf("L13 dividers on the fallback parent got %v", over)
	}
}
