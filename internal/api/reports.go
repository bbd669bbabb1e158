package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/catalog"
	"github.com/JakeFAU/case-crawler/internal/crawler"
	uuidgen "github.com/JakeFAU/case-crawler/internal/id/uuid"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 200
)

// listRuns handles GET /v1/runs?limit=, most recent first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.LatestRun(r.Context())
	if err != nil {
		s.storeError(w, "latest run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.storeError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type downloadDTO struct {
	CaseID       int64     `json:"case_id"`
	Token        string    `json:"token"`
	Title        string    `json:"title,omitempty"`
	Category     string    `json:"category,omitempty"`
	JudgmentDate string    `json:"judgment_date,omitempty"`
	ResolvedURL  string    `json:"resolved_url,omitempty"`
	FileRef      string    `json:"file_ref"`
	FileSize     int64     `json:"file_size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// listDownloads handles GET /v1/runs/{run_id}/downloads: the cases the run
// downloaded successfully.
func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.storeError(w, "get run", err)
		return
	}
	rows, err := s.store.ListAttempts(r.Context(), runID, crawler.StatusDownloaded)
	if err != nil {
		s.logger.Error("list downloads failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}
	out := make([]downloadDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, downloadDTO{
			CaseID:       row.Case.ID,
			Token:        row.Case.TokenRaw,
			Title:        row.Case.Title,
			Category:     row.Case.Category,
			JudgmentDate: row.Case.JudgmentDate,
			ResolvedURL:  row.Attempt.ResolvedURL,
			FileRef:      row.Attempt.FileRef,
			FileSize:     row.Attempt.FileSize,
			DownloadedAt: row.Attempt.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "count": len(out), "downloads": out})
}

// listVersionCases handles GET /v1/versions/{version_id}/cases?kind=new|removed.
func (s *Server) listVersionCases(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.ParseInt(chi.URLParam(r, "version_id"), 10, 64)
	if err != nil || versionID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid version id")
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = "new"
	}
	if kind != "new" && kind != "removed" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return
	}
	version, err := s.store.GetVersion(r.Context(), versionID)
	if err != nil {
		s.storeError(w, "get version", err)
		return
	}

	query := crawler.CaseQuery{Source: version.Source}
	if kind == "new" {
		query.FirstSeenVersionID = versionID
	} else {
		query.LastSeenVersionID = versionID
		query.Active = crawler.Bool(false)
	}
	cases, err := s.store.ListCases(r.Context(), query)
	if err != nil {
		s.logger.Error("list version cases failed", zap.Int64("version_id", versionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	out := make([]crawler.Case, 0, len(cases))
	for _, c := range cases {
		if kind == "new" && !crawler.IsNewCase(c, versionID) {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"kind":    kind,
		"count":   len(out),
		"cases":   out,
	})
}

// lookupCase handles GET /v1/cases/{token}?source=, resolving the token
// against the latest valid catalog version.
func (s *Server) lookupCase(w http.ResponseWriter, r *http.Request) {
	source, err := crawler.NormalizeSource(r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := s.store.LatestValidVersion(r.Context(), source)
	if errors.Is(err, crawler.ErrVersionNotFound) {
		writeError(w, http.StatusServiceUnavailable, crawler.ErrNoValidCatalog.Error())
		return
	}
	if err != nil {
		s.storeError(w, "latest version", err)
		return
	}
	idx, err := catalog.LoadIndex(r.Context(), s.store, source, version.ID)
	if err != nil {
		s.logger.Error("load index failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load catalog")
		return
	}
	c, ok := idx.Lookup(chi.URLParam(r, "token"))
	if !ok {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version_id": version.ID, "case": c})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if !uuidgen.Valid(runID) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return "", false
	}
	return runID, true
}

func parseLimit(r *http.Request, def, maxVal int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit, nil
}
