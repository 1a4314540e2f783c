// Package classify maps prediction confidence to a lead status.
package classify

import "github.com/sells-group/leadflow/internal/model"

// DefaultThreshold is the confidence cutoff used when none is configured.
const DefaultThreshold = 0.5

// Classifier assigns a status from a prediction probability. Deterministic
// and side-effect free.
type Classifier struct {
	Threshold float64
}

// New returns a Classifier with the given threshold, falling back to
// DefaultThreshold for non-positive values.
func New(threshold float64) Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Classifier{Threshold: threshold}
}

// Classify returns StatusVerified when p is present and at or above the
// threshold. A nil probability (failed enrichment) is always StatusToCheck.
func (c Classifier) Classify(p *float64) model.LeadStatus {
	if p == nil {
		return model.StatusToCheck
	}
	if *p >= c.Threshold {
		return model.StatusVerified
	}
	return model.StatusToCheck
}
