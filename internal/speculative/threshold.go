// ABOUTME: Adaptive confidence threshold nudged by an accept/waste EMA.
// ABOUTME: Clamped to [0.70, 0.98]; commits lower it, waste raises it.

package speculative

import "sync"

const (
	// DefaultThreshold is the starting confidence bar for speculation.
	DefaultThreshold = 0.92

	thresholdFloor = 0.70
	thresholdCeil  = 0.98

	// emaAlpha weights the newest observation; emaSpread maps the
	// accept-rate EMA onto the threshold range around its base.
	emaAlpha  = 0.2
	emaSpread = 0.44
)

// Threshold is the moving confidence bar a prediction must clear
// before it may run ahead of schedule. Every committed speculation
// nudges the bar down, every wasted one nudges it up, both through an
// exponential moving average of the accept rate.
type Threshold struct {
	mu    sync.Mutex
	base  float64
	value float64
	ema   float64
}

// NewThreshold creates a threshold starting at base. Zero or negative
// means DefaultThreshold.
func NewThreshold(base float64) *Threshold {
	if base <= 0 {
		base = DefaultThreshold
	}
	base = clamp(base)
	return &Threshold{base: base, value: base, ema: 0.5}
}

// Value returns the current bar.
func (t *Threshold) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Observe folds one outcome into the EMA: accepted speculation earns
// more speculation, wasted speculation earns less.
func (t *Threshold) Observe(accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome := 0.0
	if accepted {
		outcome = 1.0
	}
	t.ema = emaAlpha*outcome + (1-emaAlpha)*t.ema
	t.value = clamp(t.base - emaSpread*(t.ema-0.5))
}

func clamp(v float64) float64 {
	switch {
	case v < thresholdFloor:
		return thresholdFloor
	case v > thresholdCeil:
		return thresholdCeil
	}
	return v
}
