package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/timelock/internal/auth"
	"github.com/ILLUVRSE/timelock/internal/lifecycle"
	"github.com/ILLUVRSE/timelock/internal/models"
	"github.com/ILLUVRSE/timelock/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// maxPage keeps page*size well inside int range.
	maxPage = 1_000_000
)

type page[T any] struct {
	Content       []T   `json:"content"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int64 `json:"totalPages"`
}

func newPage[T any](content []T, pageNum, size int, total int64) page[T] {
	if content == nil {
		content = []T{}
	}
	return page[T]{
		Content:       content,
		Page:          pageNum,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + int64(size) - 1) / int64(size),
	}
}

type releaseRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PayloadJSON string `json:"payloadJson"`
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type statistics struct {
	TotalReleases     int64                          `json:"totalReleases"`
	ReleasesByStatus  map[models.ReleaseStatus]int64 `json:"releasesByStatus"`
	ScheduledReleases int64                          `json:"scheduledReleases"`
	ApprovedReleases  int64                          `json:"approvedReleases"`
	ExecutedReleases  int64                          `json:"executedReleases"`
	CancelledReleases int64                          `json:"cancelledReleases"`
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum, size, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.ReleaseFilter{
		Search: strings.TrimSpace(q.Get("search")),
		SortBy: q.Get("sortBy"),
		Desc:   !strings.EqualFold(q.Get("sortDir"), "asc"),
		Offset: pageNum * size,
		Limit:  size,
	}
	if filter.SortBy == "" {
		filter.SortBy = "createdAt"
	}
	if !store.ValidSortField(filter.SortBy) {
		respondError(w, http.StatusBadRequest, "unsupported sortBy: "+filter.SortBy)
		return
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := models.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	releases, total, err := s.store.ListReleases(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newPage(releases, pageNum, size, total))
}

func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	rel, err := s.service.Create(r.Context(), lifecycle.CreateRequest{
		Title:       req.Title,
		Description: req.Description,
		PayloadJSON: req.PayloadJSON,
		CreatedBy:   auth.Actor(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	templateID, err := strconv.ParseInt(chi.URLParam(r, "templateId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var req releaseRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	rel, err := s.service.CreateFromTemplate(r.Context(), templateID, lifecycle.TemplateOverrides{
		Title:       req.Title,
		Description: req.Description,
		PayloadJSON: req.PayloadJSON,
	}, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := releaseID(w, r)
	if !ok {
		return
	}
	rel, err := s.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountReleasesByStatus(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	stats := statistics{ReleasesByStatus: make(map[models.ReleaseStatus]int64, len(models.AllStatuses))}
	for _, st := range models.AllStatuses {
		n := counts[st]
		stats.ReleasesByStatus[st] = n
		stats.TotalReleases += n
	}
	stats.ScheduledReleases = counts[models.StatusScheduled]
	stats.ApprovedReleases = counts[models.StatusApproved]
	stats.ExecutedReleases = counts[models.StatusExecuted]
	stats.CancelledReleases = counts[models.StatusCancelled]
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := releaseID(w, r)
	if !ok {
		return
	}
	pageNum, size, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.service.Get(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	entries, total, err := s.store.ListAudit(r.Context(), id, pageNum*size, size)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newPage(entries, pageNum, size, total))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := releaseID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ScheduledAt == nil {
		respondError(w, http.StatusBadRequest, "scheduledAt is required")
		return
	}
	rel, err := s.service.Schedule(r.Context(), id, *req.ScheduledAt, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.service.Approve)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.service.Execute)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.service.Cancel)
}

type actionFunc func(ctx context.Context, id int64, actor string) (models.Release, error)

func (s *Server) action(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	id, ok := releaseID(w, r)
	if !ok {
		return
	}
	rel, err := fn(r.Context(), id, auth.Actor(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

func releaseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid release id")
		return 0, false
	}
	return id, true
}

// pageParams reads zero-based page and size. Page is capped at maxPage and size is
// clamped to 1..100.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	pageNum := 0
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxPage {
			return 0, 0, errInvalidParam("page")
		}
		pageNum = n
	}
	size := defaultPageSize
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, errInvalidParam("size")
		}
		size = min(max(n, 1), maxPageSize)
	}
	return pageNum, size, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }
