// Package labapi exposes the lab engines and the exported report store over a
// small JSON HTTP API so a presentation host can drive experiments remotely.
package labapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"chemlab/internal/blob"
	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

const maxBodyBytes = 1 << 16

// Handler serves the /api routes.
type Handler struct {
	svc     *core.Service
	reports blob.Store
	logger  core.Logger
}

// NewHandler wires the API to a service and, optionally, the report store.
// A nil reports store disables the /api/reports routes.
func NewHandler(svc *core.Service, reports blob.Store, logger core.Logger) *Handler {
	if logger == nil {
		logger = discardLogger{}
	}
	return &Handler{svc: svc, reports: reports, logger: logger}
}

// RegisterRoutes sets up the lab API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reactions", h.handleCreateReaction)
	mux.HandleFunc("GET /api/reactions/{id}", h.handleGetReaction)
	mux.HandleFunc("POST /api/reactions/{id}/start", h.handleStartReaction)
	mux.HandleFunc("POST /api/reactions/{id}/complete", h.handleCompleteReaction)
	mux.HandleFunc("POST /api/reactions/{id}/stop", h.handleStopReaction)

	mux.HandleFunc("POST /api/titrations", h.handleCreateTitration)
	mux.HandleFunc("GET /api/titrations/{id}", h.handleGetTitration)
	mux.HandleFunc("POST /api/titrations/{id}/start", h.handleStartTitration)
	mux.HandleFunc("POST /api/titrations/{id}/titrant", h.handleAddTitrant)
	mux.HandleFunc("POST /api/titrations/{id}/complete", h.handleCompleteTitration)

	mux.HandleFunc("POST /api/measurements", h.handleCreateMeasurement)
	mux.HandleFunc("GET /api/measurements/{id}", h.handleGetMeasurement)
	mux.HandleFunc("POST /api/measurements/{id}/calibrate", h.handleCalibrate)
	mux.HandleFunc("POST /api/measurements/{id}/readings", h.handleTakeMeasurement)
	mux.HandleFunc("POST /api/measurements/{id}/complete", h.handleCompleteMeasurement)

	mux.HandleFunc("POST /api/assessments", h.handleCreateAssessment)
	mux.HandleFunc("GET /api/assessments/{id}", h.handleGetAssessment)
	mux.HandleFunc("POST /api/assessments/{id}/scores", h.handleScoreCriterion)
	mux.HandleFunc("POST /api/assessments/{id}/complete", h.handleCompleteAssessment)

	mux.HandleFunc("GET /api/flame/{chemical}", h.handleFlameTest)

	if h.reports != nil {
		mux.HandleFunc("GET /api/reports", h.handleListReports)
		mux.HandleFunc("GET /api/reports/{key...}", h.handleGetReport)
		mux.HandleFunc("DELETE /api/reports/{key...}", h.handleDeleteReport)
	}
}

// CreateReactionRequest creates a reaction, optionally presetting the hot
// plate temperature and a catalyst factor.
type CreateReactionRequest struct {
	ReactionID  string         `json:"reaction_id"`
	Position    domain.Vector3 `json:"position"`
	Temperature *float64       `json:"temperature,omitempty"`
	Catalyst    *float64       `json:"catalyst,omitempty"`
}

// CompleteReactionRequest finalizes a reaction.
type CompleteReactionRequest struct {
	Force bool `json:"force"`
}

// CreateTitrationRequest creates a titration.
type CreateTitrationRequest struct {
	TitrationID string `json:"titration_id"`
}

// AddTitrantRequest adds titrant in mL.
type AddTitrantRequest struct {
	Volume float64 `json:"volume"`
}

// CreateMeasurementRequest opens a measurement series.
type CreateMeasurementRequest struct {
	TypeID string `json:"type_id"`
}

// ReadingRequest records one raw instrument reading.
type ReadingRequest struct {
	Value float64 `json:"value"`
}

// CreateAssessmentRequest opens an assessment for a student.
type CreateAssessmentRequest struct {
	ExperimentID string `json:"experiment_id"`
	StudentID    string `json:"student_id"`
}

// ScoreRequest scores one criterion.
type ScoreRequest struct {
	CriterionID string  `json:"criterion_id"`
	Score       float64 `json:"score"`
	Feedback    string  `json:"feedback,omitempty"`
}

// StartResponse reports the rule evaluation of a start call.
type StartResponse struct {
	Violations []domain.Violation `json:"violations"`
}

func (h *Handler) handleCreateReaction(w http.ResponseWriter, r *http.Request) {
	var req CreateReactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	inst, err := h.svc.CreateReaction(ctx, req.ReactionID, req.Position)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if req.Temperature != nil {
		if err := h.svc.SetReactionTemperature(ctx, inst.ID, *req.Temperature); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if req.Catalyst != nil {
		if err := h.svc.AddCatalyst(ctx, inst.ID, *req.Catalyst); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if inst, err = h.svc.GetReaction(inst.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

func (h *Handler) handleGetReaction(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetReaction(r.PathValue("id"))
	h.respond(w, http.StatusOK, inst, err)
}

func (h *Handler) handleStartReaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.StartReaction(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, StartResponse{Violations: res.Violations}, err)
}

func (h *Handler) handleCompleteReaction(w http.ResponseWriter, r *http.Request) {
	var req CompleteReactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.CompleteReaction(r.Context(), r.PathValue("id"), req.Force)
	h.respond(w, http.StatusOK, res, err)
}

func (h *Handler) handleStopReaction(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopReaction(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateTitration(w http.ResponseWriter, r *http.Request) {
	var req CreateTitrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	inst, err := h.svc.CreateTitration(r.Context(), req.TitrationID)
	h.respond(w, http.StatusCreated, inst, err)
}

func (h *Handler) handleGetTitration(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetTitration(r.PathValue("id"))
	h.respond(w, http.StatusOK, inst, err)
}

func (h *Handler) handleStartTitration(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.StartTitration(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, StartResponse{Violations: res.Violations}, err)
}

func (h *Handler) handleAddTitrant(w http.ResponseWriter, r *http.Request) {
	var req AddTitrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	point, err := h.svc.AddTitrant(r.Context(), r.PathValue("id"), req.Volume)
	h.respond(w, http.StatusOK, point, err)
}

func (h *Handler) handleCompleteTitration(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CompleteTitration(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, res, err)
}

func (h *Handler) handleCreateMeasurement(w http.ResponseWriter, r *http.Request) {
	var req CreateMeasurementRequest
	if !h.decode(w, r, &req) {
		return
	}
	inst, err := h.svc.CreateMeasurement(r.Context(), req.TypeID)
	h.respond(w, http.StatusCreated, inst, err)
}

func (h *Handler) handleGetMeasurement(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetMeasurement(r.PathValue("id"))
	h.respond(w, http.StatusOK, inst, err)
}

func (h *Handler) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Calibrate(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTakeMeasurement(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if !h.decode(w, r, &req) {
		return
	}
	point, err := h.svc.TakeMeasurement(r.Context(), r.PathValue("id"), req.Value)
	h.respond(w, http.StatusOK, point, err)
}

func (h *Handler) handleCompleteMeasurement(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CompleteMeasurement(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, stats, err)
}

func (h *Handler) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssessmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	inst, err := h.svc.CreateAssessment(r.Context(), req.ExperimentID, req.StudentID)
	h.respond(w, http.StatusCreated, inst, err)
}

func (h *Handler) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetAssessment(r.PathValue("id"))
	h.respond(w, http.StatusOK, inst, err)
}

func (h *Handler) handleScoreCriterion(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.UpdateCriterionScore(r.Context(), r.PathValue("id"), req.CriterionID, req.Score, req.Feedback)
	h.respond(w, http.StatusOK, res, err)
}

func (h *Handler) handleCompleteAssessment(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CompleteAssessment(r.Context(), r.PathValue("id"))
	h.respond(w, http.StatusOK, res, err)
}

func (h *Handler) handleFlameTest(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.FlameTest(r.Context(), r.PathValue("chemical"))
	h.respond(w, http.StatusOK, res, err)
}

// handleListReports returns stored report metadata.
// GET /api/reports?prefix=reports/titration/
func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	infos, err := h.reports.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []blob.Info{}
	}
	h.writeJSON(w, http.StatusOK, infos)
}

// handleGetReport streams a report, or with ?url=1 returns a pre-signed link.
// GET /api/reports/{key...}
func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ctx := r.Context()
	if r.URL.Query().Get("url") != "" {
		expiry := 15 * time.Minute
		if v := r.URL.Query().Get("expiry"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				h.jsonError(w, "expiry must be a positive number of seconds", http.StatusBadRequest)
				return
			}
			expiry = time.Duration(secs) * time.Second
		}
		link, err := h.reports.PresignURL(ctx, key, blob.SignedURLOptions{Method: http.MethodGet, Expiry: expiry})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"key": key, "url": link})
		return
	}

	info, body, err := h.reports.Get(ctx, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer func() { _ = body.Close() }()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("report download interrupted", "key", key, "error", err)
	}
}

// handleDeleteReport removes a report so it can be exported again.
// DELETE /api/reports/{key...}
func (h *Handler) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	existed, err := h.reports.Delete(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !existed {
		h.jsonError(w, "report not found: "+key, http.StatusNotFound)
		return
	}
	h.logger.Info("report deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, status, v)
}

// statusFor maps engine and storage errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrKindNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrKindInvalidState), errors.Is(err, blob.ErrExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrKindOutOfRange), errors.Is(err, domain.ErrKindDivision):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrKindCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrKindRuleBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blob.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("lab api request failed", "error", err)
	}
	h.jsonError(w, err.Error(), status)
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", "error", err)
	}
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
