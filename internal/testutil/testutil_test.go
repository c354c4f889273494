package testutil

import (
	"context"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestSeedLead(t *testing.T) {
	st := NewSQLiteStore(t)
	lead := SeedLead(t, st, "jane@example.com", "+15551234567", models.LeadStatusNurturing)
	got, err := st.GetLead(context.Background(), lead.ID)
	if err != nil {
		t.Fatalf("GetLead failed: %v", err)
	}
	if got.Status != models.LeadStatusNurturing || got.PhoneNumber != "+15551234567" {
		t.Errorf("unexpected seeded lead: %+v", got)
	}
}
