package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
)

// memoryView is the wire shape of a record. Vectors stay server-side.
type memoryView struct {
	ID             string         `json:"id"`
	Message        string         `json:"message"`
	Role           memory.Role    `json:"role"`
	Context        memory.Context `json:"context"`
	RelevanceScore float64        `json:"relevance_score"`
	Timestamp      time.Time      `json:"timestamp"`
	Embedded       bool           `json:"embedded"`
}

func view(r *memory.Record) memoryView {
	return memoryView{
		ID:             r.ID,
		Message:        r.Message,
		Role:           r.Role,
		Context:        r.Context,
		RelevanceScore: r.RelevanceScore,
		Timestamp:      r.Timestamp,
		Embedded:       r.Embedded(),
	}
}

func views(recs []memory.Record) []memoryView {
	out := make([]memoryView, len(recs))
	for i := range recs {
		out[i] = view(&recs[i])
	}
	return out
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req memory.NewRecord
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := s.svc.Store(r.Context(), ownerFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(rec))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	recs, err := s.svc.List(r.Context(), ownerFrom(r), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories": views(recs),
		"count":    len(recs),
	})
}

// parseFilter reads start_date, end_date, min_relevance, role and limit.
// Dates are RFC 3339 timestamps or plain YYYY-MM-DD days; a plain end_date
// covers the whole day.
func parseFilter(r *http.Request) (memory.Filter, error) {
	q := r.URL.Query()
	verr := &memory.ValidationError{}
	var f memory.Filter

	if v := q.Get("start_date"); v != "" {
		if t, _, ok := parseDate(v); ok {
			f.Since = &t
		} else {
			verr.Add(-1, "start_date", "expected RFC 3339 or YYYY-MM-DD")
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, dayOnly, ok := parseDate(v); ok {
			if dayOnly {
				t = t.Add(24*time.Hour - time.Millisecond)
			}
			f.Until = &t
		} else {
			verr.Add(-1, "end_date", "expected RFC 3339 or YYYY-MM-DD")
		}
	}
	if v := q.Get("min_relevance"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinRelevance = &n
		} else {
			verr.Add(-1, "min_relevance", "expected a number")
		}
	}
	if v := q.Get("role"); v != "" {
		f.Role = memory.Role(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		} else {
			verr.Add(-1, "limit", "expected an integer")
		}
	}
	return f, verr.Err()
}

func parseDate(v string) (t time.Time, dayOnly bool, ok bool) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), false, true
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true, true
	}
	return time.Time{}, false, false
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchHit struct {
	Memory     memoryView `json:"memory"`
	Score      float64    `json:"score"`
	Similarity float64    `json:"similarity"`
	AgePenalty float64    `json:"age_penalty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	results, err := s.svc.Query(r.Context(), ownerFrom(r), req.Query, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	hits := make([]searchHit, len(results))
	for i := range results {
		hits[i] = searchHit{
			Memory:     view(&results[i].Record),
			Score:      results[i].Score,
			Similarity: results[i].Similarity,
			AgePenalty: results[i].AgePenalty,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"results": hits,
	})
}

func (s *Server) handleBulkStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memories []memory.NewRecord `json:"memories"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	recs, err := s.svc.StoreBatch(r.Context(), ownerFrom(r), req.Memories)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"memories": views(recs),
		"count":    len(recs),
	})
}

type itemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memories []engine.Update `json:"memories"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	results, err := s.svc.UpdateBatch(r.Context(), ownerFrom(r), req.Memories)
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated := make([]memoryView, 0, len(results))
	failed := []itemError{}
	for _, res := range results {
		if res.Err != nil {
			_, body := classify(res.Err)
			failed = append(failed, itemError{ID: res.ID, Error: body.Error, Code: body.Code})
			continue
		}
		updated = append(updated, view(res.Record))
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{
		"memories": updated,
		"errors":   failed,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch memory.Patch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := s.svc.Update(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, err := s.svc.Delete(r.Context(), ownerFrom(r), []string{chi.URLParam(r, "id")})
	if errors.Is(err, memory.ErrOwnershipViolation) {
		// A single id the caller doesn't hold is simply absent for them.
		err = memory.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := s.svc.Delete(r.Context(), ownerFrom(r), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Cleanup(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_count": res.Deleted,
		"cutoff_date":   res.Cutoff,
		"message":       "Deleted " + strconv.FormatInt(res.Deleted, 10) + " old or low-relevance memories",
	})
}

func (s *Server) handleEmbedMissing(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	n, err := s.svc.EmbedMissing(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	remaining, err := s.svc.Unembedded(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedded": n, "remaining": remaining})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.svc.Preferences(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handlePutPreferences accepts a partial document; omitted fields keep
// their current value. Malformed stored settings are replaced starting
// from the defaults, so an owner can always repair them.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	prefs, err := s.svc.Preferences(r.Context(), owner)
	switch {
	case errors.Is(err, memory.ErrValidation):
		logging.From(r.Context()).Warn("stored preferences malformed, starting from defaults", "error", err)
		prefs = s.svc.DefaultPreferences()
	case err != nil:
		writeError(w, r, err)
		return
	}
	if err := decode(w, r, &prefs); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.SetPreferences(r.Context(), owner, prefs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
