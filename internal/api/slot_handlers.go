package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

const defaultSlotWindow = 14 * 24 * time.Hour

// bulkSlotsHandler handles POST /appointments/bulk.
func (s *Server) bulkSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.BulkSlotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slots, err := req.Generate(s.loc)
	if err != nil {
		writeError(w, "bulkSlotsHandler", err)
		return
	}
	created, err := s.st.CreateSlots(r.Context(), slots)
	if err != nil {
		writeError(w, "bulkSlotsHandler", err)
		return
	}
	slog.Info("Server.bulkSlotsHandler: slots created", "requested", len(slots), "created", created)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage(
		fmt.Sprintf("%d slots created.", created),
		map[string]int{"requested": len(slots), "created": created},
	))
}

// listSlotsHandler handles GET /appointments?start_date=YYYY-MM-DD&end_date=YYYY-MM-DD&status=...
// Both dates are inclusive days in the clinic's time zone; the default window
// is the next two weeks.
func (s *Server) listSlotsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := s.now().In(s.loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	to := from.Add(defaultSlotWindow)

	if v := q.Get("start_date"); v != "" {
		d, err := time.ParseInLocation("2006-01-02", v, s.loc)
		if err != nil {
			writeError(w, "listSlotsHandler", fmt.Errorf("%w: start_date must be YYYY-MM-DD", errBadRequest))
			return
		}
		from = d
		to = from.Add(defaultSlotWindow)
	}
	if v := q.Get("end_date"); v != "" {
		d, err := time.ParseInLocation("2006-01-02", v, s.loc)
		if err != nil {
			writeError(w, "listSlotsHandler", fmt.Errorf("%w: end_date must be YYYY-MM-DD", errBadRequest))
			return
		}
		to = d.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		writeError(w, "listSlotsHandler", fmt.Errorf("%w: end_date before start_date", errBadRequest))
		return
	}
	status := models.SlotStatus(q.Get("status"))

	slots, err := s.st.ListSlots(r.Context(), from, to, status)
	if err != nil {
		writeError(w, "listSlotsHandler", err)
		return
	}
	if slots == nil {
		slots = []models.AppointmentSlot{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(slots))
}

// bookSlotHandler handles PUT /appointments/{id}/book. A staff booking
// converts the lead the same way an agent booking does.
func (s *Server) bookSlotHandler(w http.ResponseWriter, r *http.Request) {
	slotID := r.PathValue("id")
	var req models.BookSlotRequest
	if err := decodeJSON(w, r, &req); err != nil || req.LeadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("lead_id is required"))
		return
	}

	var booked *models.AppointmentSlot
	err := leadlock.WithLock(r.Context(), s.locker, req.LeadID, func(ctx context.Context) error {
		lead, err := s.st.GetLead(ctx, req.LeadID)
		if err != nil {
			return err
		}
		booked, err = s.st.BookSlot(ctx, slotID, lead.ID, req.ReasonForVisit, models.BookedByStaff)
		if err != nil {
			return err
		}
		note := models.Communication{
			LeadID:    lead.ID,
			Type:      models.CommunicationTypeNote,
			Direction: models.DirectionOutgoingManual,
			Content: fmt.Sprintf("Appointment booked by staff for %s.",
				booked.StartTime.In(s.loc).Format("Monday, January 2 at 3:04 PM")),
		}
		if models.CanTransition(lead.Status, models.LeadStatusConverted) {
			lead.Status = models.LeadStatusConverted
			return s.st.UpdateLead(ctx, lead, note)
		}
		return s.st.AddCommunication(ctx, &note)
	})
	if err != nil {
		writeError(w, "bookSlotHandler", err)
		return
	}
	slog.Info("Server.bookSlotHandler: slot booked", "slotID", slotID, "leadID", req.LeadID)
	writeJSONResponse(w, http.StatusOK, models.Success(booked))
}
