// Package testutil provides test helpers shared by LeadPipe's handler and command tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// NewSQLiteStore opens a fresh SQLite store in a temporary directory that is
// closed when the test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "leadpipe.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedLead stores a lead with the given contact details and moves it to status.
func SeedLead(t *testing.T, st store.Store, email, phone string, status models.LeadStatus) *models.Lead {
	t.Helper()
	ctx := context.Background()
	lead := &models.Lead{FirstName: "Jane", LastName: "Doe", Email: email, PhoneNumber: phone, InquiryNotes: "Whitening prices?"}
	if err := st.CreateLead(ctx, lead); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	if status == models.LeadStatusNew {
		return lead
	}
	updated, err := st.UpdateLeadStatus(ctx, lead.ID, status)
	if err != nil {
		t.Fatalf("UpdateLeadStatus(%s) failed: %v", status, err)
	}
	return updated
}

// AssertHTTPStatus stops the test if the recorded status differs from want.
func AssertHTTPStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, want, rec.Body.String())
	}
}

// DecodeAPIResponse decodes the JSON envelope returned by the API.
func DecodeAPIResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return resp
}
