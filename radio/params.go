package radio

import "fmt"

// Enumerated parameter tables. Both ends of a link cycle through these by
// index, never by free assignment, so a parameter change on one node always
// lands on a value the peer also knows.
var (
	SpreadingFactors = []int{7, 8, 9, 10, 11, 12}
	Bandwidths       = []float64{62.5, 125, 250, 500}
	TxPowers         = []int{2, 3, 5, 8, 10, 12, 15, 17, 20, 22}
)

// Params is one complete LoRa channel configuration.
type Params struct {
	FrequencyMHz    float64 `yaml:"freq" json:"freq"`
	BandwidthKHz    float64 `yaml:"bw" json:"bw"`
	SpreadingFactor int     `yaml:"sf" json:"sf"`
	CodingRate      int     `yaml:"cr" json:"cr"`
	TxPowerDbm      int     `yaml:"tx" json:"tx"`
}

// Default returns the compiled-in data-channel configuration.
func Default() Params {
	return Params{
		FrequencyMHz:    915.0,
		BandwidthKHz:    125,
		SpreadingFactor: 9,
		CodingRate:      5,
		TxPowerDbm:      17,
	}
}

// Control returns the fixed control-channel configuration used for
// boot-time rendezvous. It is independent of whatever the data channel
// currently is, so nodes with diverged settings can still meet here.
// TX power follows the node's current setting.
func Control(txPowerDbm int) Params {
	return Params{
		FrequencyMHz:    915.0,
		BandwidthKHz:    125,
		SpreadingFactor: 9,
		CodingRate:      5,
		TxPowerDbm:      txPowerDbm,
	}
}

// Validate reports whether every field is inside its enumerated set or range.
func (p Params) Validate() error {
	if p.FrequencyMHz < 137 || p.FrequencyMHz > 1020 {
		return fmt.Errorf("frequency %.1f MHz out of range", p.FrequencyMHz)
	}
	if indexOf(Bandwidths, p.BandwidthKHz) < 0 {
		return fmt.Errorf("bandwidth %.1f kHz not in enumerated set", p.BandwidthKHz)
	}
	if indexOf(SpreadingFactors, p.SpreadingFactor) < 0 {
		return fmt.Errorf("spreading factor %d not in [7,12]", p.SpreadingFactor)
	}
	if p.CodingRate < 5 || p.CodingRate > 8 {
		return fmt.Errorf("coding rate %d out of range", p.CodingRate)
	}
	if indexOf(TxPowers, p.TxPowerDbm) < 0 {
		return fmt.Errorf("tx power %d dBm not in enumerated set", p.TxPowerDbm)
	}
	return nil
}

// CycleSpreadingFactor returns a copy with the next spreading factor from
// the table, wrapping at the end.
func (p Params) CycleSpreadingFactor() Params {
	p.SpreadingFactor = next(SpreadingFactors, p.SpreadingFactor)
	return p
}

// CycleBandwidth returns a copy with the next bandwidth from the table.
func (p Params) CycleBandwidth() Params {
	p.BandwidthKHz = next(Bandwidths, p.BandwidthKHz)
	return p
}

// CycleTxPower returns a copy with the next TX power from the table.
func (p Params) CycleTxPower() Params {
	p.TxPowerDbm = next(TxPowers, p.TxPowerDbm)
	return p
}

func (p Params) String() string {
	return fmt.Sprintf("%.1fMHz BW%.1f SF%d CR%d %ddBm",
		p.FrequencyMHz, p.BandwidthKHz, p.SpreadingFactor, p.CodingRate, p.TxPowerDbm)
}

// next advances one step through table from the current value. A value not
// present in the table (e.g. loaded from a stale settings file) restarts the
// cycle at the first entry.
func next[T comparable](table []T, current T) T {
	i := indexOf(table, current)
	if i < 0 {
		return table[0]
	}
	return table[(i+1)%len(table)]
}

func indexOf[T comparable](table []T, v T) int {
	for i, t := range table {
		if t == v {
			return i
		}
	}
	return -1
}
