// Package pattern reconstructs the directional signal profile recorded by the
// bridge during a calibration sweep.
//
// The bridge dumps its estimator state as lines like
//
//	r_status->estim_data->strength_map[40][3] = -74
//
// where the first index is the bearing in degrees, the second an auxiliary
// slot and the value the received strength. Slots that were never measured
// hold the sentinel -999.
package pattern

import (
	"regexp"
	"sort"
	"strconv"
)

// Sentinel marks a slot with no reading.
const Sentinel = -999

var entryRe = regexp.MustCompile(`[A-Za-z_]\w*\[(\d+)\]\[(\d+)\]\s*=\s*(-?\d+)`)

// Sample is one raw reading taken from the log.
type Sample struct {
	Bearing int     `json:"bearing"`
	Signal  float64 `json:"signal"`
}

// Profile is the resolved pattern: one reading per bearing, sorted by bearing.
type Profile struct {
	Readings    []Sample `json:"readings"`
	BestBearing int      `json:"best_bearing"`
	BestSignal  float64  `json:"best_signal"`
	MinSignal   float64  `json:"min_signal"`
	MaxSignal   float64  `json:"max_signal"`
	Count       int      `json:"count"`
}

// Empty reports whether the profile has no readings.
func (p Profile) Empty() bool {
	return len(p.Readings) == 0
}

// Analyze parses text and resolves it into a profile. A log without a single
// real reading yields an empty profile.
func Analyze(text string) Profile {
	return Resolve(Parse(text))
}

// Parse returns every bearing/slot entry in text, in order of appearance.
func Parse(text string) []Sample {
	matches := entryRe.FindAllStringSubmatch(text, -1)
	samples := make([]Sample, 0, len(matches))
	for _, m := range matches {
		bearing, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		signal, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		samples = append(samples, Sample{Bearing: bearing, Signal: float64(signal)})
	}
	return samples
}

// MinValid returns the weakest real reading, ignoring sentinels.
func MinValid(samples []Sample) (float64, bool) {
	var minValid float64
	found := false
	for _, s := range samples {
		if s.Signal == Sentinel {
			continue
		}
		if !found || s.Signal < minValid {
			minValid = s.Signal
			found = true
		}
	}
	return minValid, found
}

// Repair replaces sentinel readings with the weakest real reading so an
// unread slot never looks stronger than a measured one. It returns false when
// there is no real reading to repair with.
func Repair(samples []Sample) ([]Sample, bool) {
	minValid, ok := MinValid(samples)
	if !ok {
		return nil, false
	}
	out := make([]Sample, len(samples))
	for i, s := range samples {
		if s.Signal == Sentinel {
			s.Signal = minValid
		}
		out[i] = s
	}
	return out, true
}

// Resolve repairs samples, keeps the strongest reading per bearing and
// computes the aggregate statistics.
func Resolve(samples []Sample) Profile {
	repaired, ok := Repair(samples)
	if !ok {
		return Profile{}
	}

	best := make(map[int]float64, len(repaired))
	for _, s := range repaired {
		if cur, seen := best[s.Bearing]; !seen || s.Signal > cur {
			best[s.Bearing] = s.Signal
		}
	}

	readings := make([]Sample, 0, len(best))
	for bearing, signal := range best {
		readings = append(readings, Sample{Bearing: bearing, Signal: signal})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Bearing < readings[j].Bearing })

	p := Profile{
		Readings:    readings,
		BestBearing: readings[0].Bearing,
		BestSignal:  readings[0].Signal,
		MinSignal:   readings[0].Signal,
		MaxSignal:   readings[0].Signal,
		Count:       len(readings),
	}
	for _, r := range readings[1:] {
		if r.Signal > p.BestSignal {
			p.BestBearing = r.Bearing
			p.BestSignal = r.Signal
		}
		if r.Signal < p.MinSignal {
			p.MinSignal = r.Signal
		}
		if r.Signal > p.MaxSignal {
			p.MaxSignal = r.Signal
		}
	}
	return p
}
