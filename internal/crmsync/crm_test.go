package crmsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
)

// fakeSalesforce captures the last upsert for assertions on field mapping.
type fakeSalesforce struct {
	object     string
	extField   string
	externalID string
	fields     map[string]any
	err        error
}

func (f *fakeSalesforce) Query(_ context.Context, _ string, _ any) error { return nil }

func (f *fakeSalesforce) UpsertByExternalID(_ context.Context, sObjectName, externalIDField, externalID string, fields map[string]any) error {
	f.object = sObjectName
	f.extField = externalIDField
	f.externalID = externalID
	f.fields = fields
	return f.err
}

func TestSalesforceCRM_UpsertLead_FieldMapping(t *testing.T) {
	sf := &fakeSalesforce{}
	crm := NewSalesforceCRM(sf, "Lead", "Identity__c")

	country := "IN"
	probability := 0.92
	lead := model.Lead{
		Identity:    "aditi",
		DisplayName: "Aditi",
		Country:     &country,
		Probability: &probability,
		Status:      model.StatusVerified,
	}

	require.NoError(t, crm.UpsertLead(context.Background(), lead))

	assert.Equal(t, "Lead", sf.object)
	assert.Equal(t, "Identity__c", sf.extField)
	assert.Equal(t, "aditi", sf.externalID)
	assert.Equal(t, "Aditi", sf.fields["LastName"])
	assert.Equal(t, "verified", sf.fields["Status__c"])
	assert.Equal(t, "IN", sf.fields["Country__c"])
	assert.Equal(t, 0.92, sf.fields["Probability__c"])
}

func TestSalesforceCRM_UpsertLead_OmitsUnknownEnrichment(t *testing.T) {
	sf := &fakeSalesforce{}
	crm := NewSalesforceCRM(sf, "", "")

	lead := model.Lead{
		Identity:    "broken",
		DisplayName: "Broken",
		Status:      model.StatusToCheck,
	}

	require.NoError(t, crm.UpsertLead(context.Background(), lead))

	// Defaults apply when object and field are unset.
	assert.Equal(t, "Lead", sf.object)
	assert.Equal(t, "Identity__c", sf.extField)

	assert.Equal(t, "to_check", sf.fields["Status__c"])
	assert.NotContains(t, sf.fields, "Country__c")
	assert.NotContains(t, sf.fields, "Probability__c")
}
