package export

import (
	"fmt"
	"math"
	"strconv"
)

// DefaultRawFormatFactor relaxes the ceiling for raw-passthrough formats.
const DefaultRawFormatFactor = 100

// AdmissionPolicy decides whether an estimate fits the configured capacity.
// It is a value type: the effective ceiling is derived per call and the
// configured ceiling is never modified.
type AdmissionPolicy struct {
	Ceiling         int64
	RawFormatFactor int64
}

// EffectiveCeiling returns the ceiling that applies to format.
func (p AdmissionPolicy) EffectiveCeiling(format Format) int64 {
	if !format.IsRaw() {
		return p.Ceiling
	}
	factor := p.RawFormatFactor
	if factor <= 0 {
		factor = DefaultRawFormatFactor
	}
	if p.Ceiling > math.MaxInt64/factor {
		return math.MaxInt64
	}
	return p.Ceiling * factor
}

// Decide accepts estimates up to and including the effective ceiling. A
// saturated estimate (math.MaxInt64) is always rejected.
func (p AdmissionPolicy) Decide(est WorkloadEstimate, format Format) AdmissionDecision {
	ceiling := p.EffectiveCeiling(format)
	d := AdmissionDecision{
		Accepted:          est.Cells < math.MaxInt64 && est.Cells <= ceiling,
		Cells:             est.Cells,
		EffectiveCeiling:  ceiling,
		RelaxedForRawData: format.IsRaw(),
	}
	if !d.Accepted {
		d.RejectionMessage = fmt.Sprintf(
			"Your requested job is too large! Please reduce the area (red box) or lower the print resolution. "+
				"Current total number of Kilo pixels is %s but must be less than %s",
			kilo(est.Cells), kilo(ceiling),
		)
	}
	return d
}

func kilo(cells int64) string {
	return strconv.FormatFloat(float64(cells)/1000.0, 'f', -1, 64)
}
