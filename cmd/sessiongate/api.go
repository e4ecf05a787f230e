package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/sessiongate/core/errors"
	"github.com/davidahmann/sessiongate/core/pathpolicy"
	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/sessions"
	"github.com/davidahmann/sessiongate/core/statemachine"
)

const ownerHeader = "X-Session-Owner"

type apiConfig struct {
	AdminToken      string
	MaxRequestBytes int64
	Logger          *slog.Logger
}

type api struct {
	service *sessions.Service
	config  apiConfig
	logger  *slog.Logger
}

type apiRequestError struct {
	Status  int
	Message string
}

func (requestError apiRequestError) Error() string {
	return requestError.Message
}

type createSessionRequest struct {
	Repo schemasession.RepoBinding `json:"repo"`
	Goal string                    `json:"goal"`
}

type updateSessionRequest struct {
	State          *statemachine.State        `json:"state,omitempty"`
	From           *statemachine.State        `json:"from,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	PreviewID      *string                    `json:"preview_id,omitempty"`
	PR             *schemasession.PullRequest `json:"pr,omitempty"`
	Changes        []schemasession.FileChange `json:"changes,omitempty"`
	AllowForbidden bool                       `json:"allow_forbidden,omitempty"`
}

type recordStepRequest struct {
	Type   schemasession.StepType   `json:"type"`
	Status schemasession.StepStatus `json:"status"`
	Meta   map[string]any           `json:"meta,omitempty"`
}

type closeStepRequest struct {
	Status schemasession.StepStatus `json:"status"`
	Meta   map[string]any           `json:"meta,omitempty"`
}

type killSwitchRequest struct {
	ReadOnly *bool `json:"read_only"`
}

type killSwitchResponse struct {
	OK        bool   `json:"ok"`
	ReadOnly  bool   `json:"read_only"`
	Previous  *bool  `json:"previous,omitempty"`
	ChangedAt string `json:"changed_at,omitempty"`
}

type policyCheckRequest struct {
	Paths          []string `json:"paths"`
	AllowForbidden bool     `json:"allow_forbidden,omitempty"`
}

func newAPIHandler(service *sessions.Service, config apiConfig) http.Handler {
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = 1 << 20
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	handler := &api{service: service, config: config, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.health)
	mux.HandleFunc("POST /v1/sessions", handler.createSession)
	mux.HandleFunc("GET /v1/sessions", handler.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", handler.getSession)
	mux.HandleFunc("PATCH /v1/sessions/{id}", handler.updateSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", handler.deleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/steps", handler.recordStep)
	mux.HandleFunc("GET /v1/sessions/{id}/steps", handler.listSteps)
	mux.HandleFunc("POST /v1/sessions/{id}/steps/{step}/close", handler.closeStep)
	mux.HandleFunc("GET /v1/admin/kill-switch", handler.getKillSwitch)
	mux.HandleFunc("PUT /v1/admin/kill-switch", handler.setKillSwitch)
	mux.HandleFunc("POST /v1/policy/check", handler.checkPolicy)
	return mux
}

func (a *api) health(writer http.ResponseWriter, request *http.Request) {
	writeAPIJSON(writer, http.StatusOK, map[string]any{
		"ok":        true,
		"version":   version,
		"read_only": a.service.KillSwitch().IsReadOnly(),
	})
}

func (a *api) createSession(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	var input createSessionRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	created, err := a.service.Create(request.Context(), owner, sessions.CreateRequest{Repo: input.Repo, Goal: input.Goal})
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	writeAPIJSON(writer, http.StatusCreated, map[string]any{"ok": true, "session": created})
}

func (a *api) listSessions(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	writeAPIJSON(writer, http.StatusOK, map[string]any{"ok": true, "sessions": a.service.ListByOwner(owner)})
}

func (a *api) getSession(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	id := request.PathValue("id")
	found, exists := a.service.Get(owner, id)
	if !exists {
		a.writeError(writer, request, coreerrors.Wrap(fmt.Errorf("%w: %s", sessions.ErrNotFound, id), coreerrors.CategoryNotFound, "not_found", "", false))
		return
	}
	writeAPIJSON(writer, http.StatusOK, map[string]any{"ok": true, "session": found})
}

func (a *api) updateSession(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	var input updateSessionRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	fields := sessions.Fields{PreviewID: input.PreviewID, PR: input.PR}
	if input.Changes != nil {
		fields.Changes = &sessions.ChangeSet{Files: input.Changes, AllowForbidden: input.AllowForbidden}
	}
	var patch sessions.Patch = fields
	if input.State != nil {
		transition := sessions.Transition{To: *input.State, Reason: input.Reason, Fields: fields}
		if input.From != nil {
			transition.From = *input.From
		}
		patch = transition
	}
	updated, err := a.service.Update(request.Context(), owner, request.PathValue("id"), patch)
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	writeAPIJSON(writer, http.StatusOK, map[string]any{"ok": true, "session": updated})
}

func (a *api) deleteSession(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	if err := a.service.Delete(request.Context(), owner, request.PathValue("id")); err != nil {
		a.writeError(writer, request, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *api) recordStep(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	var input recordStepRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	step, err := a.service.RecordStep(request.Context(), owner, request.PathValue("id"), sessions.StepRequest{
		Type:   input.Type,
		Status: input.Status,
		Meta:   input.Meta,
	})
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	writeAPIJSON(writer, http.StatusCreated, map[string]any{"ok": true, "step": step})
}

func (a *api) listSteps(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	steps, err := a.service.ListSteps(owner, request.PathValue("id"))
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	writeAPIJSON(writer, http.StatusOK, map[string]any{"ok": true, "steps": steps})
}

func (a *api) closeStep(writer http.ResponseWriter, request *http.Request) {
	owner, ok := a.owner(writer, request)
	if !ok {
		return
	}
	var input closeStepRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	step, err := a.service.CloseStep(request.Context(), owner, request.PathValue("id"), request.PathValue("step"), sessions.CloseStepRequest{
		Status: input.Status,
		Meta:   input.Meta,
	})
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	writeAPIJSON(writer, http.StatusOK, map[string]any{"ok": true, "step": step})
}

func (a *api) getKillSwitch(writer http.ResponseWriter, request *http.Request) {
	if err := a.authorizeAdmin(request); err != nil {
		writeRequestError(writer, err)
		return
	}
	writeAPIJSON(writer, http.StatusOK, a.killSwitchState(nil))
}

func (a *api) setKillSwitch(writer http.ResponseWriter, request *http.Request) {
	if err := a.authorizeAdmin(request); err != nil {
		writeRequestError(writer, err)
		return
	}
	var input killSwitchRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	if input.ReadOnly == nil {
		writeRequestError(writer, apiRequestError{Status: http.StatusBadRequest, Message: "read_only is required"})
		return
	}
	previous := a.service.KillSwitch().SetReadOnly(*input.ReadOnly)
	a.logger.Warn("kill switch set through admin api", "read_only", *input.ReadOnly, "previous", previous, "remote", request.RemoteAddr)
	writeAPIJSON(writer, http.StatusOK, a.killSwitchState(&previous))
}

func (a *api) killSwitchState(previous *bool) killSwitchResponse {
	gate := a.service.KillSwitch()
	response := killSwitchResponse{OK: true, ReadOnly: gate.IsReadOnly(), Previous: previous}
	if changedAt := gate.ChangedAt(); !changedAt.IsZero() {
		response.ChangedAt = changedAt.Format(time.RFC3339Nano)
	}
	return response
}

func (a *api) checkPolicy(writer http.ResponseWriter, request *http.Request) {
	var input policyCheckRequest
	if err := a.decode(writer, request, &input); err != nil {
		writeRequestError(writer, err)
		return
	}
	if len(input.Paths) == 0 {
		writeRequestError(writer, apiRequestError{Status: http.StatusBadRequest, Message: "paths must list at least one path"})
		return
	}
	policy := a.service.PathPolicy()
	digest, err := policy.Digest()
	if err != nil {
		a.writeError(writer, request, err)
		return
	}
	response := policyCheckOutput{OK: true, Allowed: true, PolicyDigest: digest, Decisions: make([]pathpolicy.Decision, 0, len(input.Paths))}
	for _, path := range input.Paths {
		decision := policy.Evaluate(path, pathpolicy.Options{AllowForbidden: input.AllowForbidden})
		response.Allowed = response.Allowed && decision.Allowed
		response.Decisions = append(response.Decisions, decision)
	}
	writeAPIJSON(writer, http.StatusOK, response)
}

func (a *api) owner(writer http.ResponseWriter, request *http.Request) (string, bool) {
	owner := strings.TrimSpace(request.Header.Get(ownerHeader))
	if owner == "" {
		writeRequestError(writer, apiRequestError{Status: http.StatusBadRequest, Message: "missing " + ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

func (a *api) authorizeAdmin(request *http.Request) error {
	expected := strings.TrimSpace(a.config.AdminToken)
	if expected == "" {
		return apiRequestError{Status: http.StatusServiceUnavailable, Message: "admin token is not configured"}
	}
	rawHeader := strings.TrimSpace(request.Header.Get("Authorization"))
	if !strings.HasPrefix(rawHeader, "Bearer ") {
		return apiRequestError{Status: http.StatusUnauthorized, Message: "missing bearer authorization"}
	}
	provided := strings.TrimSpace(strings.TrimPrefix(rawHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return apiRequestError{Status: http.StatusUnauthorized, Message: "invalid bearer authorization"}
	}
	return nil
}

func (a *api) decode(writer http.ResponseWriter, request *http.Request, target any) error {
	contentType := strings.TrimSpace(request.Header.Get("Content-Type"))
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return apiRequestError{Status: http.StatusUnsupportedMediaType, Message: "invalid content-type header"}
		}
		if mediaType != "application/json" {
			return apiRequestError{Status: http.StatusUnsupportedMediaType, Message: "content-type must be application/json"}
		}
	}
	request.Body = http.MaxBytesReader(writer, request.Body, a.config.MaxRequestBytes)
	defer func() {
		_ = request.Body.Close()
	}()
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return apiRequestError{Status: http.StatusRequestEntityTooLarge, Message: "request body exceeds max-request-bytes"}
		}
		return apiRequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("decode request: %v", err)}
	}
	var tail struct{}
	if err := decoder.Decode(&tail); err != io.EOF {
		return apiRequestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object"}
	}
	return nil
}

func (a *api) writeError(writer http.ResponseWriter, request *http.Request, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if coreerrors.CategoryOf(err) == "" {
			a.logger.Debug("request abandoned before commit", "path", request.URL.Path, "error", err)
			writeAPIJSON(writer, http.StatusServiceUnavailable, coreerrors.Envelope{OK: false, Error: "request cancelled before the write was applied", ErrorCode: "request_cancelled", ErrorCategory: string(coreerrors.CategoryInternalFailure), Retryable: true})
			return
		}
	}
	status := coreerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("session api request failed", "method", request.Method, "path", request.URL.Path, "error", err)
	}
	writeAPIJSON(writer, status, coreerrors.EnvelopeOf(err))
}

func writeRequestError(writer http.ResponseWriter, err error) {
	var requestError apiRequestError
	if !errors.As(err, &requestError) {
		requestError = apiRequestError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	writeAPIJSON(writer, requestError.Status, coreerrors.Envelope{
		OK:            false,
		Error:         requestError.Message,
		ErrorCode:     "invalid_request",
		ErrorCategory: string(coreerrors.CategoryInvalidInput),
	})
}

func writeAPIJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("content-type", "application/json")
	writer.WriteHeader(status)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}
