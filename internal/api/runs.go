package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/runner"
)

type runRequest struct {
	Mode   string   `json:"mode"`
	Source string   `json:"source"`
	Limit  int      `json:"limit"`
	Tokens []string `json:"tokens"`
	Force  bool     `json:"force"`
}

// startRun handles POST /v1/runs. The response is written once the run is
// finalized.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be >= 0")
		return
	}
	res, err := s.runner.Trigger(s.runCtx, runner.Request{
		Trigger: crawler.TriggerProgrammatic,
		Mode:    crawler.Mode(req.Mode),
		Source:  req.Source,
		Limit:   req.Limit,
		Tokens:  req.Tokens,
		Force:   req.Force,
	})
	if err != nil {
		status := triggerErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("run trigger failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func triggerErrorStatus(err error) int {
	switch {
	case errors.Is(err, crawler.ErrUnknownMode), errors.Is(err, crawler.ErrUnknownSource):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrNoValidCatalog):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// webhookRequest is the change-detection payload. Every field may also be
// given as a query parameter; the JSON body takes precedence.
type webhookRequest struct {
	TargetSource string `json:"target_source"`
	Mode         string `json:"mode"`
	NewLimit     *int   `json:"new_limit"`
}

type webhookResponse struct {
	OK               bool              `json:"ok"`
	Error            string            `json:"error,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	Mode             crawler.Mode      `json:"mode,omitempty"`
	CatalogVersionID int64             `json:"catalog_version_id,omitempty"`
	Status           crawler.RunStatus `json:"status,omitempty"`
	Health           crawler.Health    `json:"health,omitempty"`
}

func webhookError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, webhookResponse{OK: false, Error: code})
}

// changeDetectionWebhook handles POST /webhook/changedetection.
func (s *Server) changeDetectionWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Webhook.Token
	if secret == "" {
		webhookError(w, http.StatusNotFound, "webhook_disabled")
		return
	}
	got := r.Header.Get("X-Webhook-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		webhookError(w, http.StatusForbidden, "invalid_token")
		return
	}

	req, err := s.webhookParams(r)
	if err != nil {
		s.logger.Info("webhook rejected", zap.Error(err))
		webhookError(w, http.StatusBadRequest, "invalid_params")
		return
	}

	res, err := s.runner.Trigger(s.runCtx, req)
	if err != nil {
		status := triggerErrorStatus(err)
		code := "run_failed"
		switch status {
		case http.StatusBadRequest:
			code = "invalid_params"
		case http.StatusConflict:
			code = "run_in_progress"
		case http.StatusServiceUnavailable:
			code = "catalog_unavailable"
		default:
			s.logger.Error("webhook run failed", zap.Error(err))
		}
		webhookError(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		OK:               true,
		RunID:            res.RunID,
		Mode:             req.Mode,
		CatalogVersionID: res.CatalogVersionID,
		Status:           res.Status,
		Health:           res.Summary.Coverage.Health,
	})
}

// webhookParams merges query parameters with the JSON body, validates the
// mode and source, and clamps the limit to webhook.max_limit.
func (s *Server) webhookParams(r *http.Request) (runner.Request, error) {
	q := r.URL.Query()
	body := webhookRequest{
		TargetSource: q.Get("target_source"),
		Mode:         q.Get("mode"),
	}
	if raw := q.Get("new_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return runner.Request{}, errors.New("new_limit must be an integer")
		}
		body.NewLimit = &n
	}
	if err := decodeOptionalJSON(r.Body, &body); err != nil {
		return runner.Request{}, err
	}

	rawMode := strings.TrimSpace(body.Mode)
	if rawMode == "" {
		rawMode = s.cfg.Webhook.Mode
	}
	mode, err := crawler.ParseMode(rawMode)
	if err != nil {
		return runner.Request{}, err
	}
	source, err := crawler.NormalizeSource(body.TargetSource)
	if err != nil {
		return runner.Request{}, err
	}

	limit := s.cfg.Webhook.MaxLimit
	if body.NewLimit != nil {
		if *body.NewLimit < 0 {
			return runner.Request{}, errors.New("new_limit must be >= 0")
		}
		if *body.NewLimit > 0 && (limit == 0 || *body.NewLimit < limit) {
			limit = *body.NewLimit
		}
	}
	return runner.Request{
		Trigger: crawler.TriggerWebhook,
		Mode:    mode,
		Source:  source,
		Limit:   limit,
	}, nil
}

// decodeOptionalJSON decodes body into dst, treating an empty body as no
// fields set.
func decodeOptionalJSON(body io.Reader, dst any) error {
	if body == nil {
		return nil
	}
	err := json.NewDecoder(body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
