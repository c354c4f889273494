package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/araddon/dateparse"
)

// registerLead normalizes, stores and queues triage for a new lead.
func (s *Server) registerLead(ctx context.Context, lead *models.Lead) error {
	if lead.PhoneNumber != "" {
		phone, err := messaging.CanonicalizePhone(lead.PhoneNumber)
		if err != nil {
			return fmt.Errorf("%w: invalid phone number: %v", errBadRequest, err)
		}
		lead.PhoneNumber = phone
	}
	if err := s.st.CreateLead(ctx, lead); err != nil {
		return err
	}
	if _, err := store.EnqueueLeadJob(ctx, s.jobs, store.JobKindTriageLead, lead.ID, "triage:"+lead.ID); err != nil {
		// The lead exists; `leadpipe triage <id>` can recover it.
		slog.Error("Server.registerLead: failed to queue triage", "leadID", lead.ID, "error", err)
		return nil
	}
	slog.Info("Server.registerLead: lead registered", "leadID", lead.ID, "leadCode", lead.LeadCode)
	return nil
}

// createLeadHandler handles POST /leads.
func (s *Server) createLeadHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LeadCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createLeadHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	lead := req.ToLead()
	if err := s.registerLead(r.Context(), lead); err != nil {
		writeError(w, "createLeadHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Lead created; triage queued", lead))
}

// uploadResult summarizes a CSV import.
type uploadResult struct {
	Created []models.Lead `json:"created"`
	Skipped int           `json:"skipped"`
	Errors  []string      `json:"errors,omitempty"`
}

// uploadLeadsHandler handles POST /leads/upload with a multipart "file" field
// holding a CSV export. Email and InquiryDate columns are required; rows whose
// email is already registered are skipped.
func (s *Server) uploadLeadsHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Upload is too large"))
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Expected multipart form with a CSV file"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing file field"))
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid file type. Please upload a CSV."))
		return
	}

	res, err := s.importLeads(r.Context(), file)
	if err != nil {
		writeError(w, "uploadLeadsHandler", err)
		return
	}
	slog.Info("Server.uploadLeadsHandler: import finished", "created", len(res.Created), "skipped", res.Skipped, "errors", len(res.Errors))
	writeJSONResponse(w, http.StatusCreated, models.Success(res))
}

func (s *Server) importLeads(ctx context.Context, in io.Reader) (*uploadResult, error) {
	rd := csv.NewReader(in)
	rd.TrimLeadingSpace = true
	head, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable CSV header: %v", errBadRequest, err)
	}
	col := make(map[string]int, len(head))
	for i, h := range head {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"email", "inquirydate"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%w: missing required column %q", errBadRequest, required)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	res := &uploadResult{Created: []models.Lead{}}
	for line := 2; ; line++ {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		lead := &models.Lead{
			FirstName:    get(rec, "firstname"),
			LastName:     get(rec, "lastname"),
			Email:        get(rec, "email"),
			PhoneNumber:  get(rec, "phonenumber"),
			InquiryNotes: get(rec, "inquirynotes"),
		}
		if raw := get(rec, "inquirydate"); raw != "" {
			when, err := dateparse.ParseIn(raw, s.loc)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("line %d: unreadable InquiryDate %q", line, raw))
				continue
			}
			lead.InquiryDate = when
		}
		if existing, err := s.st.GetLeadByEmail(ctx, lead.Email); err == nil && existing != nil {
			res.Skipped++
			continue
		}
		if err := s.registerLead(ctx, lead); err != nil {
			if errors.Is(err, models.ErrDuplicateLead) {
				res.Skipped++
				continue
			}
			if statusForError(err) == http.StatusInternalServerError {
				return nil, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		res.Created = append(res.Created, *lead)
	}
	return res, nil
}

// listLeadsHandler handles GET /leads?status=...
func (s *Server) listLeadsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.LeadStatus(r.URL.Query().Get("status"))
	if status != "" && !models.IsValidLeadStatus(status) {
		writeError(w, "listLeadsHandler", models.ErrInvalidLeadStatus)
		return
	}
	leads, err := s.st.ListLeads(r.Context(), status)
	if err != nil {
		writeError(w, "listLeadsHandler", err)
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// getLeadHandler handles GET /leads/{id}, returning the lead and its communication log.
func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lead, err := s.st.GetLead(r.Context(), id)
	if err != nil {
		writeError(w, "getLeadHandler", err)
		return
	}
	comms, err := s.st.ListCommunications(r.Context(), id)
	if err != nil {
		writeError(w, "getLeadHandler", err)
		return
	}
	if comms == nil {
		comms = []models.Communication{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.LeadDetail{Lead: lead, Communications: comms}))
}

// updateLeadStatusHandler handles PUT /leads/{id}/status.
func (s *Server) updateLeadStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.LeadStatusUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidLeadStatus(req.Status) {
		writeError(w, "updateLeadStatusHandler", models.ErrInvalidLeadStatus)
		return
	}

	var updated *models.Lead
	err := leadlock.WithLock(r.Context(), s.locker, id, func(ctx context.Context) error {
		var err error
		updated, err = s.st.UpdateLeadStatus(ctx, id, req.Status)
		return err
	})
	if err != nil {
		writeError(w, "updateLeadStatusHandler", err)
		return
	}
	slog.Info("Server.updateLeadStatusHandler: status updated", "leadID", id, "status", req.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}
