package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/archive"
	"github.com/montserZalloum/memora/internal/engine"
	"github.com/montserZalloum/memora/internal/safemode"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/pkg/types"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// fail maps a component error to an HTTP response. Unexpected errors are
// logged and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rl *safemode.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "SAFE_MODE_RATE_LIMITED", rl.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case engine.ErrSeasonClosed.Has(err):
		writeError(w, http.StatusConflict, "SEASON_CLOSED", err.Error())
	case archive.ErrRejected.Has(err):
		writeError(w, http.StatusConflict, "REJECTED", err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.DueRequest{
		UserID:  q.Get("user"),
		Season:  q.Get("season"),
		Subject: q.Get("subject"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a non-negative integer")
			return
		}
		req.Limit = n
	}

	resp, err := s.deps.Engine.DueItems(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// answer is a graded response to one item. Stability is the level the item
// had before this review; zero means it was never reviewed.
type answer struct {
	ItemID    string          `json:"item_id"`
	Stability types.Stability `json:"stability"`
	Correct   bool            `json:"correct"`
	Subject   string          `json:"subject,omitempty"`
	Topic     string          `json:"topic,omitempty"`
}

type reviewRequest struct {
	UserID  string                 `json:"user_id"`
	Season  string                 `json:"season"`
	Updates []types.ScheduleUpdate `json:"updates,omitempty"`
	Answers []answer               `json:"answers,omitempty"`
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	updates := body.Updates
	now := time.Now().UTC()
	for _, a := range body.Answers {
		if a.ItemID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "answer item_id is required")
			return
		}
		u, err := types.Grade(a.ItemID, a.Stability, a.Correct, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		u.Subject, u.Topic = a.Subject, a.Topic
		updates = append(updates, u)
	}

	resp, err := s.deps.Engine.SubmitReviews(r.Context(), engine.SubmitRequest{
		UserID:  body.UserID,
		Season:  body.Season,
		Updates: updates,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListSeasons(w http.ResponseWriter, r *http.Request) {
	filter := storage.SeasonFilter{Status: types.SeasonStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !types.IsValidSeasonStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	seasons, err := s.deps.Seasons.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if seasons == nil {
		seasons = []types.Season{}
	}
	writeJSON(w, http.StatusOK, seasons)
}

type createSeasonRequest struct {
	Name    string     `json:"name"`
	EndDate *time.Time `json:"end_date,omitempty"`
}

func (s *Server) handleCreateSeason(w http.ResponseWriter, r *http.Request) {
	var body createSeasonRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	season, err := s.deps.Seasons.CreateSeason(r.Context(), body.Name, body.EndDate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, season)
}

func (s *Server) handleGetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := s.deps.Seasons.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, season)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Seasons.Activate(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Engine.ForgetSeason(name)
	s.handleGetSeason(w, r)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Seasons.Deactivate(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Engine.ForgetSeason(name)
	s.handleGetSeason(w, r)
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body renameRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := types.ValidateSeasonName(body.NewName); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := s.deps.Seasons.Rename(r.Context(), name, body.NewName); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Engine.ForgetSeason(name)
	s.deps.Engine.ForgetSeason(body.NewName)

	season, err := s.deps.Seasons.Get(r.Context(), body.NewName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, season)
}

type autoArchiveRequest struct {
	Enabled bool       `json:"enabled"`
	EndDate *time.Time `json:"end_date,omitempty"`
}

func (s *Server) handleAutoArchiveFlag(w http.ResponseWriter, r *http.Request) {
	var body autoArchiveRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Seasons.SetAutoArchive(r.Context(), r.PathValue("name"), body.Enabled, body.EndDate); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleGetSeason(w, r)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	res, err := s.deps.Seasons.ArchiveSeason(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Engine.ForgetSeason(name)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoArchiveRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Seasons.AutoArchive(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, res := range report.Archived {
		s.deps.Engine.ForgetSeason(res.Season)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionFlag(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Seasons.FlagRetention(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"flagged": n})
}

func (s *Server) handleRetentionPurge(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	n, err := s.deps.Seasons.PurgeEligible(r.Context(), confirm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "reconciliation is disabled")
		return
	}
	report, err := s.deps.Reconciler.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
