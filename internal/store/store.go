package store

import (
	"context"

	"github.com/sells-group/leadflow/internal/model"
)

// UpsertParams carries one enrichment outcome into the store. Status must
// already be derived from Probability by the classifier; the store never
// computes it.
type UpsertParams struct {
	Identity    string
	DisplayName string
	Country     *string
	Probability *float64
	Status      model.LeadStatus
}

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Status    model.LeadStatus `json:"status,omitempty"`
	SyncState model.SyncState  `json:"sync_state,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

// Store defines the persistence interface for the lead pipeline.
//
// UpsertLead is atomic per identity (a single INSERT ... ON CONFLICT
// statement) and always resets the sync state to pending: a re-enrichment
// invalidates any prior sync decision. MarkSynced and MarkSyncFailed only
// touch rows still in the pending state, so a concurrent upsert wins and a
// synced lead never reverts.
type Store interface {
	UpsertLead(ctx context.Context, p UpsertParams) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)

	// ListPendingSync returns up to limit verified leads awaiting CRM sync,
	// oldest first.
	ListPendingSync(ctx context.Context, limit int) ([]model.Lead, error)
	MarkSynced(ctx context.Context, identity string) error
	// MarkSyncFailed increments the attempt counter and moves the lead to
	// the terminal failed state once maxAttempts is reached.
	MarkSyncFailed(ctx context.Context, identity string, maxAttempts int) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
