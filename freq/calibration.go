package freq

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Calibration is the per-unit characterisation service. LookupVoltage reports false when it has
// no data for a level, in which case the table's fallback voltage is used.
type Calibration interface {
	LookupVoltage(domain string, rateKHz uint32) (uint32, bool)
	LookupBias(domain string, rateKHz uint32) int32
}

// NoCalibration has no data for anything.
type NoCalibration struct{}

func (NoCalibration) LookupVoltage(string, uint32) (uint32, bool) { return 0, false }
func (NoCalibration) LookupBias(string, uint32) int32            { return 0 }

// CalPoint is the characterised voltage and body bias of one rate. A zero Volt means no data.
type CalPoint struct {
	Rate uint32 `yaml:"rate"`
	Volt uint32 `yaml:"volt"`
	ABB  int32  `yaml:"abb"`
}

// StaticCalibration is a characterisation read from a file, typically the ASV group table
// matching the unit's fused process bin.
type StaticCalibration struct {
	Group   int                   `yaml:"group"`
	Domains map[string][]CalPoint `yaml:"domains"`
}

func LoadCalibration(r io.Reader) (*StaticCalibration, error) {
	var c StaticCalibration
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("couldn't decode calibration: %w", err)
	}
	return &c, nil
}

func (c *StaticCalibration) point(domain string, rateKHz uint32) (CalPoint, bool) {
	pts := c.Domains[domain]
	i := slices.IndexFunc(pts, func(p CalPoint) bool { return p.Rate == rateKHz })
	if i < 0 {
		return CalPoint{}, false
	}
	return pts[i], true
}

func (c *StaticCalibration) LookupVoltage(domain string, rateKHz uint32) (uint32, bool) {
	p, ok := c.point(domain, rateKHz)
	if !ok || p.Volt == 0 {
		return 0, false
	}
	return p.Volt, true
}

func (c *StaticCalibration) LookupBias(domain string, rateKHz uint32) int32 {
	p, _ := c.point(domain, rateKHz)
	return p.ABB
}
