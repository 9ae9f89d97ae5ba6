package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/goodtune/tagwatch/internal/usage"
	"github.com/gorilla/mux"
)

// handleScan accepts one raw read.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ack, err := s.svc.Ingest.Submit(r.Context(), req.TagID)
	if err != nil {
		if errors.Is(err, tagid.ErrInvalidFormat) {
			writeInvalidFormat(w, err)
			return
		}
		s.logger.Error().Err(err).Msg("Failed to submit read")
		writeError(w, http.StatusInternalServerError, "Failed to process read")
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Catalog.Snapshot().List())
}

// handleRegisterTag registers a tag and refreshes the catalog so the next
// read resolves.
func (s *Server) handleRegisterTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rawID := strings.TrimSpace(req.TagID)
	name := strings.TrimSpace(req.Name)
	category := strings.TrimSpace(req.Category)

	if rawID == "" || name == "" || category == "" {
		writeError(w, http.StatusBadRequest, "tag_id, name and category are required")
		return
	}
	for _, field := range []string{rawID, name, category} {
		if strings.ContainsFunc(field, unicode.IsSpace) {
			writeError(w, http.StatusBadRequest, "Fields must not contain whitespace")
			return
		}
	}

	id, err := s.svc.Rules.Parse(rawID)
	if err != nil {
		writeInvalidFormat(w, err)
		return
	}

	tag := storage.Tag{ID: id, Name: name, Category: category, CreatedAt: time.Now().UTC()}
	if err := s.svc.Tags.Create(ctx, tag); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeJSON(w, http.StatusOK, StatusResponse{Status: "already_registered", TagID: id})
			return
		}
		s.logger.Error().Err(err).Str("tag_id", id).Msg("Failed to register tag")
		writeError(w, http.StatusInternalServerError, "Failed to register tag")
		return
	}

	s.refreshCatalog(r)

	s.logger.Info().Str("tag_id", id).Str("name", name).Str("category", category).Msg("Tag registered")
	writeJSON(w, http.StatusOK, StatusResponse{Status: "registered", TagID: id})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id := tagid.Normalize(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "tag_id is required")
		return
	}

	if err := s.svc.Tags.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tag not found")
			return
		}
		s.logger.Error().Err(err).Str("tag_id", id).Msg("Failed to delete tag")
		writeError(w, http.StatusInternalServerError, "Failed to delete tag")
		return
	}

	s.refreshCatalog(r)

	s.logger.Info().Str("tag_id", id).Msg("Tag unregistered")
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted", TagID: id})
}

func (s *Server) refreshCatalog(r *http.Request) {
	if err := s.svc.Catalog.Refresh(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Catalog refresh after tag change failed")
	}
}

// handleUsageEvent appends an event reported by a client-driven reader.
func (s *Server) handleUsageEvent(w http.ResponseWriter, r *http.Request) {
	var req UsageEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	category := strings.TrimSpace(req.Category)
	if req.TagID == "" || name == "" || category == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "tag_id, name, category and event_type are required")
		return
	}

	id, err := s.svc.Rules.Parse(req.TagID)
	if err != nil {
		writeInvalidFormat(w, err)
		return
	}
	if req.DurationSec != nil && *req.DurationSec < 0 {
		writeError(w, http.StatusBadRequest, "duration_sec must not be negative")
		return
	}
	if req.DurationSec != nil && req.EventType != storage.EventPresentReturn {
		writeError(w, http.StatusBadRequest, "duration_sec is only allowed on present_return events")
		return
	}

	event := storage.UsageEvent{
		TagID:       id,
		Name:        name,
		Category:    category,
		EventType:   req.EventType,
		Timestamp:   s.svc.Clock.Now(),
		DurationSec: req.DurationSec,
	}
	if err := s.svc.Events.Append(r.Context(), event); err != nil {
		s.logger.Error().Err(err).Str("tag_id", id).Msg("Failed to append usage event")
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.svc.Events.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query usage events")
		writeError(w, http.StatusInternalServerError, "Failed to query events")
		return
	}
	if events == nil {
		events = []storage.UsageEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleSummary derives per-tag usage. period=today limits the scan to the
// current usage day.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = 0

	switch period := r.URL.Query().Get("period"); period {
	case "", "all":
	case "today":
		since, err := usage.DayStart(s.svc.Clock.Now(), s.config.DayStart)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Invalid usage day start")
			return
		}
		filter.Since = &since
	default:
		writeError(w, http.StatusBadRequest, "period must be today or all")
		return
	}

	events, err := s.svc.Events.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query usage events")
		writeError(w, http.StatusInternalServerError, "Failed to query events")
		return
	}

	summaries := usage.Summarize(events)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summaries": summaries,
		"count":     len(summaries),
	})
}

func parseEventFilter(r *http.Request) (storage.EventFilter, error) {
	q := r.URL.Query()
	var filter storage.EventFilter

	if v := q.Get("tag_id"); v != "" {
		filter.TagID = tagid.Normalize(v)
	}
	if v := q.Get("event_type"); v != "" {
		et, err := storage.ParseEventType(v)
		if err != nil {
			return filter, err
		}
		filter.EventType = et
	}
	for key, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New(key + " must be an RFC3339 timestamp")
		}
		*dst = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	return filter, nil
}

// handleGetFeedback returns the latest feedback; empty strings when there
// is none so displays can poll unconditionally.
func (s *Server) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	f, ok := s.svc.Board.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, FeedbackRequest{})
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	f := s.svc.Board.Post(feedback.Feedback{Message: req.Message, Image: req.Image})
	writeJSON(w, http.StatusOK, StatusResponse{Status: "received", ID: f.ID})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	records := s.svc.Presence.Records()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"present": s.svc.Presence.PresentCount(),
		"count":   len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Catalog.Snapshot()
	body := map[string]interface{}{
		"status":       "ok",
		"catalog_tags": snap.Len(),
	}
	if !snap.FetchedAt().IsZero() {
		body["catalog_fetched_at"] = snap.FetchedAt()
	}

	status := http.StatusOK
	if s.svc.Storage != nil {
		if err := s.svc.Storage.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Storage health check failed")
			body["status"] = "degraded"
			body["storage_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, body)
}
