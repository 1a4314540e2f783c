// Package crmsync pushes verified leads to the external CRM on a periodic,
// serialized schedule.
package crmsync

import (
	"context"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/pkg/salesforce"
)

// CRM is the boundary to the external CRM. UpsertLead must be idempotent
// per identity so sync retries never create duplicate records.
type CRM interface {
	UpsertLead(ctx context.Context, lead model.Lead) error
}

// SalesforceCRM adapts the Salesforce client to the CRM boundary, upserting
// leads keyed by identity on the configured external ID field.
type SalesforceCRM struct {
	client          salesforce.Client
	object          string
	externalIDField string
}

// NewSalesforceCRM creates the adapter for the given object and external ID field.
func NewSalesforceCRM(client salesforce.Client, object, externalIDField string) *SalesforceCRM {
	if object == "" {
		object = "Lead"
	}
	if externalIDField == "" {
		externalIDField = "Identity__c"
	}
	return &SalesforceCRM{
		client:          client,
		object:          object,
		externalIDField: externalIDField,
	}
}

func (s *SalesforceCRM) UpsertLead(ctx context.Context, lead model.Lead) error {
	fields := map[string]any{
		"LastName":  lead.DisplayName,
		"Company":   "Unknown",
		"Status__c": string(lead.Status),
	}
	if lead.Country != nil {
		fields["Country__c"] = *lead.Country
	}
	if lead.Probability != nil {
		fields["Probability__c"] = *lead.Probability
	}

	return s.client.UpsertByExternalID(ctx, s.object, s.externalIDField, lead.Identity, fields)
}
