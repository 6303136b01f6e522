package zones

import (
	"math"
	"sort"
	"time"
)

const (
	// maxSamples bounds the per-link FIFO.
	maxSamples = 100
	// minBaselineSamples gates baseline computation.
	minBaselineSamples = 30
	// smoothingWindow is the rolling RSSI window.
	smoothingWindow = 2
	// trimFraction trims each side before the baseline statistics.
	trimFraction = 0.10
	// minBaselineStd floors the baseline deviation.
	minBaselineStd = 1.0
)

// sample is one RSSI/LQI observation.
type sample struct {
	rssi int
	lqi  int
	at   time.Time
}

// LinkStats tracks one ordered (source, target) pair within a zone: a bounded
// sample FIFO, a smoothed RSSI and an optional calibrated baseline.
type LinkStats struct {
	Source string `json:"source"`
	Target string `json:"target"`

	samples      []sample
	smoothedRSSI float64

	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	Calibrated   bool    `json:"calibrated"`

	lastTriggered time.Time
	lastSample    time.Time
}

// NewLinkStats creates an empty link.
func NewLinkStats(source, target string) *LinkStats {
	return &LinkStats{Source: source, Target: target}
}

// AddSample appends one observation, evicting the oldest beyond the cap, and
// refreshes the smoothed RSSI.
func (l *LinkStats) AddSample(rssi, lqi int, at time.Time) {
	l.samples = append(l.samples, sample{rssi: rssi, lqi: lqi, at: at})
	if len(l.samples) > maxSamples {
		l.samples = l.samples[len(l.samples)-maxSamples:]
	}
	l.lastSample = at

	window := smoothingWindow
	if len(l.samples) < window {
		window = len(l.samples)
	}
	sum := 0.0
	for _, s := range l.samples[len(l.samples)-window:] {
		sum += float64(s.rssi)
	}
	l.smoothedRSSI = sum / float64(window)
}

// SampleCount returns the number of retained samples.
func (l *LinkStats) SampleCount() int { return len(l.samples) }

// SmoothedRSSI returns the rolling smoothed RSSI.
func (l *LinkStats) SmoothedRSSI() float64 { return l.smoothedRSSI }

// LastSampleAt returns the timestamp of the newest sample.
func (l *LinkStats) LastSampleAt() time.Time { return l.lastSample }

// ComputeBaseline derives the trimmed mean and standard deviation over the
// middle 80 % of samples. Requires at least 30 samples; the deviation is
// clamped to >= 1.0 so quiet links don't hair-trigger.
func (l *LinkStats) ComputeBaseline() bool {
	if len(l.samples) < minBaselineSamples {
		return false
	}

	values := make([]float64, len(l.samples))
	for i, s := range l.samples {
		values[i] = float64(s.rssi)
	}
	sort.Float64s(values)

	trim := int(float64(len(values)) * trimFraction)
	trimmed := values[trim : len(values)-trim]

	var sum float64
	for _, v := range trimmed {
		sum += v
	}
	mean := sum / float64(len(trimmed))

	var variance float64
	for _, v := range trimmed {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(trimmed)))
	if std < minBaselineStd {
		std = minBaselineStd
	}

	l.BaselineMean = mean
	l.BaselineStd = std
	l.Calibrated = true
	return true
}

// Deviation returns the current deviation from baseline in sigma units, or
// false when the link is not calibrated.
func (l *LinkStats) Deviation() (float64, bool) {
	if !l.Calibrated || len(l.samples) == 0 {
		return 0, false
	}
	return math.Abs(l.smoothedRSSI-l.BaselineMean) / l.BaselineStd, true
}

// RecentVariance returns the sample variance of the newest window samples.
func (l *LinkStats) RecentVariance(window int) (float64, bool) {
	if window <= 0 || len(l.samples) < window {
		return 0, false
	}
	recent := l.samples[len(l.samples)-window:]
	var sum float64
	for _, s := range recent {
		sum += float64(s.rssi)
	}
	mean := sum / float64(window)
	var variance float64
	for _, s := range recent {
		variance += (float64(s.rssi) - mean) * (float64(s.rssi) - mean)
	}
	return variance / float64(window), true
}

// Reset drops all samples and the baseline ahead of recalibration.
func (l *LinkStats) Reset() {
	l.samples = nil
	l.smoothedRSSI = 0
	l.BaselineMean = 0
	l.BaselineStd = 0
	l.Calibrated = false
}

// LQIToRSSI approximates RSSI from LQI: rssi = -100 + (lqi/255)*70.
func LQIToRSSI(lqi int) int {
	return -100 + lqi*70/255
}

// RSSIToLQI is the symmetric inverse, clamped to the valid LQI range.
func RSSIToLQI(rssi int) int {
	lqi := (rssi + 100) * 255 / 70
	if lqi < 0 {
		return 0
	}
	if lqi > 255 {
		return 255
	}
	return lqi
}
