package api

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const metricsWindow = 30 * 24 * time.Hour

// DashboardMetrics are the headline numbers shown to clinic staff.
type DashboardMetrics struct {
	TotalActiveLeads      int     `json:"total_active_leads"`
	NeedsAttentionCount   int     `json:"needs_attention_count"`
	RespondedCount        int     `json:"responded_count"`
	NurturingCount        int     `json:"nurturing_count"`
	ConvertedThisMonth    int     `json:"converted_this_month"`
	ConversionRatePercent float64 `json:"conversion_rate_percent"`
}

func computeMetrics(leads []models.Lead, now time.Time) DashboardMetrics {
	var m DashboardMetrics
	since := now.Add(-metricsWindow)
	archived := 0
	for _, l := range leads {
		switch l.Status {
		case models.LeadStatusNeedsImmediateAttention:
			m.NeedsAttentionCount++
		case models.LeadStatusResponded:
			m.RespondedCount++
		case models.LeadStatusNurturing:
			m.NurturingCount++
		case models.LeadStatusConverted:
			if !l.UpdatedAt.Before(since) {
				m.ConvertedThisMonth++
			}
		case models.LeadStatusArchivedNoResponse, models.LeadStatusArchivedNotInterested:
			if !l.UpdatedAt.Before(since) {
				archived++
			}
		}
	}
	m.TotalActiveLeads = m.NeedsAttentionCount + m.RespondedCount + m.NurturingCount
	if handled := m.ConvertedThisMonth + archived; handled > 0 {
		m.ConversionRatePercent = math.Round(float64(m.ConvertedThisMonth)/float64(handled)*10000) / 100
	}
	return m
}

// metricsHandler handles GET /dashboard/metrics.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	leads, err := s.st.ListLeads(r.Context(), "")
	if err != nil {
		writeError(w, "metricsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(computeMetrics(leads, s.now())))
}

type knowledgeIngestRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// ingestKnowledgeHandler handles POST /knowledge-base. Posting an existing
// title replaces its content.
func (s *Server) ingestKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Knowledge base is not configured"))
		return
	}
	var req knowledgeIngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || strings.TrimSpace(req.Content) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("title and content are required"))
		return
	}
	n, err := s.kb.Ingest(r.Context(), req.Title, req.Content)
	if err != nil {
		writeError(w, "ingestKnowledgeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]interface{}{
		"title":        req.Title,
		"chunks_count": n,
	}))
}

// searchKnowledgeHandler handles POST /knowledge-base/search.
func (s *Server) searchKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Knowledge base is not configured"))
		return
	}
	var req knowledgeSearchRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("query is required"))
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	results, err := s.kb.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, "searchKnowledgeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"query":         req.Query,
		"results":       results,
		"total_results": len(results),
	}))
}
