package model

import "time"

// LeadStatus is the classification outcome for an enriched lead.
type LeadStatus string

const (
	// StatusVerified means the prediction confidence met the threshold.
	StatusVerified LeadStatus = "verified"
	// StatusToCheck means confidence was below the threshold or enrichment failed.
	StatusToCheck LeadStatus = "to_check"
)

// SyncState tracks whether a lead has been pushed to the CRM.
type SyncState string

const (
	// SyncPending means the lead has not been successfully pushed yet.
	SyncPending SyncState = "pending"
	// SyncSynced means the CRM accepted the lead. Terminal unless the lead
	// is re-enriched, which resets it to pending.
	SyncSynced SyncState = "synced"
	// SyncFailed means the retry budget is exhausted; the lead needs manual
	// attention. Terminal unless re-enriched.
	SyncFailed SyncState = "failed"
)

// Lead is a single enriched name. Identity is the case-folded form used as
// the unique store key; DisplayName keeps the casing as first submitted.
type Lead struct {
	Identity     string     `json:"identity"`
	DisplayName  string     `json:"display_name"`
	Country      *string    `json:"country,omitempty"`
	Probability  *float64   `json:"probability,omitempty"`
	Status       LeadStatus `json:"status"`
	SyncState    SyncState  `json:"sync_state"`
	SyncAttempts int        `json:"sync_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Enriched reports whether the lead carries a successful prediction.
func (l *Lead) Enriched() bool {
	return l.Country != nil && l.Probability != nil
}
