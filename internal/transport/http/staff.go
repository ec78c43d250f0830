package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/audit"
	sgmodels "gatehouse/internal/stagegate/models"
	sgservice "gatehouse/internal/stagegate/service"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/httputil"
	"gatehouse/pkg/requestcontext"
)

// StageGate is the staff-facing candidate workflow.
type StageGate interface {
	Intake(ctx context.Context, actor domain.ActorID, name, email string) (*sgmodels.Candidate, error)
	StartStage(ctx context.Context, actor domain.ActorID, id domain.CandidateID, stage domain.Stage) (*sgservice.StartResult, error)
	SubmitStage1(ctx context.Context, actor domain.ActorID, id domain.CandidateID, in sgservice.Stage1Score) (*sgservice.SubmitResult, error)
	ResolveManualReview(ctx context.Context, reviewer domain.ActorID, id domain.CandidateID, verdict sgmodels.Verdict) (*sgservice.SubmitResult, error)
	SubmitStage2(ctx context.Context, evaluator domain.ActorID, id domain.CandidateID, in sgservice.Stage2Evaluation) (*sgservice.SubmitResult, error)
	SubmitStage3(ctx context.Context, actor domain.ActorID, id domain.CandidateID, in sgservice.Stage3Evaluation) (*sgservice.SubmitResult, error)
	Status(ctx context.Context, id domain.CandidateID) (*sgmodels.CandidateView, error)
	List(ctx context.Context, stage domain.Stage, limit int) ([]*sgmodels.Candidate, error)
}

// GrantAdmin is the staff-facing grant surface.
type GrantAdmin interface {
	Get(ctx context.Context, id domain.GrantID) (*vaultmodels.Grant, error)
	Revoke(ctx context.Context, actor domain.ActorID, id domain.GrantID, reason string) (*vaultmodels.Grant, error)
	Extend(ctx context.Context, actor domain.ActorID, id domain.GrantID, by time.Duration, reason string) (*vaultmodels.Grant, error)
	History(ctx context.Context, id domain.GrantID) ([]audit.Entry, error)
	RecordFailedAttempt(ctx context.Context, secret string) error
}

// AuditReader lists audit entries.
type AuditReader interface {
	ListByEntity(ctx context.Context, kind audit.EntityKind, entityID string) ([]audit.Entry, error)
	ListRecent(ctx context.Context, limit int) ([]audit.Entry, error)
}

const defaultAuditLimit = 100

// StaffHandler serves recruiter, evaluator and reviewer endpoints. Errors keep
// their typed code so staff tooling can react to them.
type StaffHandler struct {
	gate   StageGate
	grants GrantAdmin
	audit  AuditReader
	logger *slog.Logger
}

func NewStaffHandler(gate StageGate, grants GrantAdmin, auditReader AuditReader, logger *slog.Logger) *StaffHandler {
	return &StaffHandler{
		gate:   gate,
		grants: grants,
		audit:  auditReader,
		logger: logger,
	}
}

// Register mounts staff routes. requireReviewer guards manual review.
func (h *StaffHandler) Register(r chi.Router, requireReviewer func(http.Handler) http.Handler) {
	r.Post("/candidates", h.handleIntake)
	r.Get("/candidates", h.handleList)
	r.Get("/candidates/{id}", h.handleStatus)
	r.Get("/candidates/{id}/audit", h.handleCandidateAudit)
	r.Post("/candidates/{id}/stages", h.handleStart)
	r.Post("/candidates/{id}/stage1", h.handleStage1)
	r.With(requireReviewer).Post("/candidates/{id}/review", h.handleReview)
	r.Post("/candidates/{id}/stage2", h.handleStage2)
	r.Post("/candidates/{id}/stage3", h.handleStage3)

	r.Get("/grants/{id}", h.handleGetGrant)
	r.Get("/grants/{id}/history", h.handleGrantHistory)
	r.Post("/grants/{id}/revoke", h.handleRevoke)
	r.Post("/grants/{id}/extend", h.handleExtend)
	r.Post("/grants/failed-attempts", h.handleFailedAttempt)

	r.Get("/audit", h.handleRecentAudit)
}

func (h *StaffHandler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	log := h.logger.WarnContext
	if code := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeStorageUnavailable {
		log = h.logger.ErrorContext
	}
	log(ctx, msg,
		"error", err,
		"actor_id", requestcontext.Actor(ctx).String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}

func candidateIDParam(r *http.Request) (domain.CandidateID, error) {
	return domain.ParseCandidateID(chi.URLParam(r, "id"))
}

func grantIDParam(r *http.Request) (domain.GrantID, error) {
	return domain.ParseGrantID(chi.URLParam(r, "id"))
}

func (h *StaffHandler) handleIntake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[intakeRequest](w, r, h.logger)
	if !ok {
		return
	}
	c, err := h.gate.Intake(ctx, requestcontext.Actor(ctx), req.Name, req.Email)
	if err != nil {
		h.fail(ctx, w, "failed to create candidate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toSummary(c))
}

func (h *StaffHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var stage domain.Stage
	if raw := r.URL.Query().Get("stage"); raw != "" {
		parsed, err := domain.ParseStage(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "unknown stage"))
			return
		}
		stage = parsed
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	candidates, err := h.gate.List(ctx, stage, limit)
	if err != nil {
		h.fail(ctx, w, "failed to list candidates", err)
		return
	}
	resp := listResponse{Candidates: make([]candidateSummary, 0, len(candidates))}
	for _, c := range candidates {
		resp.Candidates = append(resp.Candidates, toSummary(c))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *StaffHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := h.gate.Status(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load candidate status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *StaffHandler) handleCandidateAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.audit.ListByEntity(ctx, audit.EntityCandidate, id.String())
	if err != nil {
		h.fail(ctx, w, "failed to list candidate audit", dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to list audit entries"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(entries))
}

func (h *StaffHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[startRequest](w, r, h.logger)
	if !ok {
		return
	}
	stage, err := domain.ParseAssessmentStage(req.Stage)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "stage must be stage1, stage2 or stage3"))
		return
	}
	res, err := h.gate.StartStage(ctx, requestcontext.Actor(ctx), id, stage)
	if err != nil {
		h.fail(ctx, w, "failed to start stage", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toStartResponse(res))
}

func (h *StaffHandler) handleStage1(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[stage1Request](w, r, h.logger)
	if !ok {
		return
	}
	res, err := h.gate.SubmitStage1(ctx, requestcontext.Actor(ctx), id, sgservice.Stage1Score{
		IQ:        *req.IQ,
		Technical: *req.Technical,
	})
	h.writeSubmit(ctx, w, res, err)
}

func (h *StaffHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[reviewRequest](w, r, h.logger)
	if !ok {
		return
	}
	verdict, err := sgmodels.ParseVerdict(req.Verdict)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
		return
	}
	res, err := h.gate.ResolveManualReview(ctx, requestcontext.Actor(ctx), id, verdict)
	h.writeSubmit(ctx, w, res, err)
}

func (h *StaffHandler) handleStage2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[stage2Request](w, r, h.logger)
	if !ok {
		return
	}
	rec, err := sgmodels.ParseRecommendation(req.Recommendation)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
		return
	}
	res, err := h.gate.SubmitStage2(ctx, requestcontext.Actor(ctx), id, sgservice.Stage2Evaluation{
		Score:          *req.Score,
		Recommendation: rec,
	})
	h.writeSubmit(ctx, w, res, err)
}

func (h *StaffHandler) handleStage3(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := candidateIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[stage3Request](w, r, h.logger)
	if !ok {
		return
	}
	decisionA, err := sgmodels.ParseVerdict(req.DecisionA)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
		return
	}
	decisionB, err := sgmodels.ParseVerdict(req.DecisionB)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
		return
	}
	res, err := h.gate.SubmitStage3(ctx, requestcontext.Actor(ctx), id, sgservice.Stage3Evaluation{
		ScoreA:    *req.ScoreA,
		DecisionA: decisionA,
		ScoreB:    *req.ScoreB,
		DecisionB: decisionB,
	})
	h.writeSubmit(ctx, w, res, err)
}

func (h *StaffHandler) writeSubmit(ctx context.Context, w http.ResponseWriter, res *sgservice.SubmitResult, err error) {
	if err != nil {
		h.fail(ctx, w, "failed to record stage decision", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSubmitResponse(res))
}

func (h *StaffHandler) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := grantIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	g, err := h.grants.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load grant", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grantsResponse{Grant: g.View()})
}

func (h *StaffHandler) handleGrantHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := grantIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.grants.History(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load grant history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(entries))
}

func (h *StaffHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := grantIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[revokeRequest](w, r, h.logger)
	if !ok {
		return
	}
	g, err := h.grants.Revoke(ctx, requestcontext.Actor(ctx), id, req.Reason)
	if err != nil {
		h.fail(ctx, w, "failed to revoke grant", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grantsResponse{Grant: g.View()})
}

func (h *StaffHandler) handleExtend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := grantIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[extendRequest](w, r, h.logger)
	if !ok {
		return
	}
	g, err := h.grants.Extend(ctx, requestcontext.Actor(ctx), id, req.by, req.Reason)
	if err != nil {
		h.fail(ctx, w, "failed to extend grant", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grantsResponse{Grant: g.View()})
}

// handleFailedAttempt lets an assessment platform report a failed use of a
// candidate's secret. Repeated reports lock the grant out.
func (h *StaffHandler) handleFailedAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[failedAttemptRequest](w, r, h.logger)
	if !ok {
		return
	}
	if err := h.grants.RecordFailedAttempt(ctx, req.Secret); err != nil {
		h.fail(ctx, w, "failed to record failed attempt", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StaffHandler) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := limitParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if limit == 0 {
		limit = defaultAuditLimit
	}
	entries, err := h.audit.ListRecent(ctx, limit)
	if err != nil {
		h.fail(ctx, w, "failed to list audit entries", dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to list audit entries"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(entries))
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "limit must be a non-negative integer")
	}
	return n, nil
}
