package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

type testEnv struct {
	srv *Server
	st  *store.SQLiteStore
	h   http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	srv := NewServer(st, opts...)
	return &testEnv{srv: srv, st: st, h: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedLead(t *testing.T, email, phone string, status models.LeadStatus) *models.Lead {
	t.Helper()
	return testutil.SeedLead(t, e.st, email, phone, status)
}

func (e *testEnv) queuedJobs(t *testing.T) []store.Job {
	t.Helper()
	jobs, err := e.st.ClaimDueJobs(context.Background(), time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	return jobs
}

var (
	assertStatus   = testutil.AssertHTTPStatus
	decodeResponse = testutil.DecodeAPIResponse
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestCreateLeadQueuesTriage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/leads",
		`{"first_name":"Ada","email":"ada@example.com","phone_number":"+1 (555) 123-4567","inquiry_notes":"Do you do whitening?"}`)
	assertStatus(t, rec, http.StatusCreated)

	lead, err := env.st.GetLeadByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("lead not stored: %v", err)
	}
	if lead.Status != models.LeadStatusNew || lead.PhoneNumber != "+15551234567" {
		t.Errorf("unexpected stored lead: %+v", lead)
	}
	jobs := env.queuedJobs(t)
	if len(jobs) != 1 || jobs[0].Kind != store.JobKindTriageLead || !strings.Contains(jobs[0].PayloadJSON, lead.ID) {
		t.Errorf("expected one triage job for the lead, got %+v", jobs)
	}
}

func TestCreateLeadErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seedLead(t, "taken@example.com", "", models.LeadStatusNew)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing email", `{"first_name":"A"}`, http.StatusBadRequest},
		{"invalid email", `{"email":"not-an-email"}`, http.StatusBadRequest},
		{"bad phone", `{"email":"p@example.com","phone_number":"12"}`, http.StatusBadRequest},
		{"duplicate", `{"email":"taken@example.com"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/leads", tc.body)
			assertStatus(t, rec, tc.want)
			if resp := decodeResponse(t, rec); resp.Status != string(models.APIStatusError) {
				t.Errorf("status field = %q", resp.Status)
			}
		})
	}
}

func TestGetLeadIncludesCommunications(t *testing.T) {
	env := newTestEnv(t)
	lead := env.seedLead(t, "a@example.com", "", models.LeadStatusNew)
	env.st.AddCommunication(context.Background(), &models.Communication{
		LeadID: lead.ID, Type: models.CommunicationTypeNote, Direction: models.DirectionOutgoingManual, Content: "called front desk",
	})

	rec := env.do(t, http.MethodGet, "/leads/"+lead.ID, "")
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "called front desk") {
		t.Errorf("communication missing from %s", rec.Body.String())
	}

	assertStatus(t, env.do(t, http.MethodGet, "/leads/does-not-exist", ""), http.StatusNotFound)
}

func TestListLeadsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedLead(t, "a@example.com", "", models.LeadStatusNurturing)
	env.seedLead(t, "b@example.com", "", models.LeadStatusNew)

	rec := env.do(t, http.MethodGet, "/leads?status=nurturing", "")
	assertStatus(t, rec, http.StatusOK)
	var resp struct {
		Result []models.Lead `json:"result"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Result) != 1 || resp.Result[0].Email != "a@example.com" {
		t.Errorf("unexpected leads: %+v", resp.Result)
	}

	assertStatus(t, env.do(t, http.MethodGet, "/leads?status=bogus", ""), http.StatusBadRequest)
}

func TestUpdateLeadStatus(t *testing.T) {
	env := newTestEnv(t)
	lead := env.seedLead(t, "a@example.com", "", models.LeadStatusNurturing)

	rec := env.do(t, http.MethodPut, "/leads/"+lead.ID+"/status", `{"status":"archived_not_interested"}`)
	assertStatus(t, rec, http.StatusOK)

	// Closed leads cannot be reopened.
	rec = env.do(t, http.MethodPut, "/leads/"+lead.ID+"/status", `{"status":"nurturing"}`)
	assertStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodPut, "/leads/"+lead.ID+"/status", `{"status":"bogus"}`)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	m, err := auth.NewManager("secret", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, WithAuth(m))

	assertStatus(t, env.do(t, http.MethodGet, "/leads", ""), http.StatusUnauthorized)

	token, _ := m.Issue("ops", auth.RoleAdmin)
	assertStatus(t, env.do(t, http.MethodGet, "/leads", "", "Authorization", "Bearer "+token), http.StatusOK)

	// Intake stays public.
	assertStatus(t, env.do(t, http.MethodPost, "/leads", `{"email":"public@example.com"}`), http.StatusCreated)
}

func TestSlotsBulkListAndBook(t *testing.T) {
	env := newTestEnv(t)
	// 2025-10-20 is a Monday; the weekend days are skipped.
	rec := env.do(t, http.MethodPost, "/appointments/bulk",
		`{"start_date":"2025-10-24","end_date":"2025-10-27","day_start_time":"09:00","day_end_time":"10:00","slot_duration_minutes":30}`)
	assertStatus(t, rec, http.StatusCreated)
	if !strings.Contains(rec.Body.String(), `"created":4`) {
		t.Errorf("expected 4 slots (Fri + Mon), got %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/appointments?start_date=2025-10-24&end_date=2025-10-24", "")
	assertStatus(t, rec, http.StatusOK)
	var list struct {
		Result []models.AppointmentSlot `json:"result"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Result) != 2 {
		t.Fatalf("expected 2 slots on Friday, got %d", len(list.Result))
	}

	lead := env.seedLead(t, "a@example.com", "", models.LeadStatusResponded)
	body := `{"lead_id":"` + lead.ID + `","reason_for_visit":"cleaning"}`
	rec = env.do(t, http.MethodPut, "/appointments/"+list.Result[0].ID+"/book", body)
	assertStatus(t, rec, http.StatusOK)

	got, _ := env.st.GetLead(context.Background(), lead.ID)
	if got.Status != models.LeadStatusConverted {
		t.Errorf("booking should convert the lead, status = %s", got.Status)
	}

	rec = env.do(t, http.MethodPut, "/appointments/"+list.Result[0].ID+"/book", body)
	assertStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodPut, "/appointments/"+list.Result[1].ID+"/book", `{"lead_id":"missing"}`)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestBulkSlotsRejectsBadRange(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/appointments/bulk",
		`{"start_date":"2025-10-27","end_date":"2025-10-24","day_start_time":"09:00","day_end_time":"10:00","slot_duration_minutes":30}`)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestUploadLeadsCSV(t *testing.T) {
	env := newTestEnv(t)
	env.seedLead(t, "existing@example.com", "", models.LeadStatusNew)

	csvData := "FirstName,LastName,Email,PhoneNumber,InquiryNotes,InquiryDate\n" +
		"Ada,Lovelace,ada@example.com,5551234567,Checkup,2025-10-01\n" +
		"Old,Lead,existing@example.com,,,2025-10-02\n" +
		"Bad,Date,bad@example.com,,,not a date\n"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "leads.csv")
	fw.Write([]byte(csvData))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/leads/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	var resp struct {
		Result uploadResult `json:"result"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Result.Created) != 1 || resp.Result.Skipped != 1 || len(resp.Result.Errors) != 1 {
		t.Errorf("unexpected import result: %+v", resp.Result)
	}
	lead, err := env.st.GetLeadByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if lead.InquiryDate.Format("2006-01-02") != "2025-10-01" {
		t.Errorf("InquiryDate = %v", lead.InquiryDate)
	}
}

func TestUploadLeadsCSVTooLarge(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "leads.csv")
	fw.Write([]byte("FirstName,LastName,Email,PhoneNumber,InquiryNotes,InquiryDate\n"))
	fw.Write(bytes.Repeat([]byte("x"), maxUploadBytes))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/leads/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestComputeMetrics(t *testing.T) {
	now := time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-60 * 24 * time.Hour)
	leads := []models.Lead{
		{Status: models.LeadStatusNurturing},
		{Status: models.LeadStatusNurturing},
		{Status: models.LeadStatusResponded},
		{Status: models.LeadStatusNeedsImmediateAttention},
		{Status: models.LeadStatusConverted, UpdatedAt: recent},
		{Status: models.LeadStatusConverted, UpdatedAt: old},
		{Status: models.LeadStatusArchivedNoResponse, UpdatedAt: recent},
		{Status: models.LeadStatusArchivedNotInterested, UpdatedAt: recent},
	}
	m := computeMetrics(leads, now)
	if m.TotalActiveLeads != 4 || m.NurturingCount != 2 || m.ConvertedThisMonth != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if m.ConversionRatePercent != 33.33 {
		t.Errorf("ConversionRatePercent = %v, want 33.33", m.ConversionRatePercent)
	}
}

func TestKnowledgeEndpointsWithoutService(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/knowledge-base", `{"title":"Prices","content":"Whitening is $350."}`)
	assertStatus(t, rec, http.StatusServiceUnavailable)
}
