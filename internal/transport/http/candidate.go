package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatehouse/internal/platform/privacy"
	"gatehouse/internal/session"
	sgmodels "gatehouse/internal/stagegate/models"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/httputil"
	"gatehouse/pkg/requestcontext"
)

// GrantValidator redeems access grant secrets.
type GrantValidator interface {
	Validate(ctx context.Context, secret string, stage domain.Stage) (*vaultmodels.Grant, error)
}

// SessionIssuer mints candidate sessions.
type SessionIssuer interface {
	Issue(ctx context.Context, candidate domain.CandidateID, grant domain.GrantID, stage domain.Stage) (*session.Token, error)
}

// CandidateReader loads a candidate for the self-service view.
type CandidateReader interface {
	Get(ctx context.Context, id domain.CandidateID) (*sgmodels.Candidate, error)
}

// CandidateHandler serves the candidate-facing endpoints. Every grant failure
// is answered with the same message so a caller learns nothing about which
// secrets exist or why one was refused.
type CandidateHandler struct {
	grants     GrantValidator
	sessions   SessionIssuer
	candidates CandidateReader
	logger     *slog.Logger
}

func NewCandidateHandler(grants GrantValidator, sessions SessionIssuer, candidates CandidateReader, logger *slog.Logger) *CandidateHandler {
	return &CandidateHandler{
		grants:     grants,
		sessions:   sessions,
		candidates: candidates,
		logger:     logger,
	}
}

// Register mounts the candidate routes. /me is wrapped by the caller's session middleware.
func (h *CandidateHandler) Register(r chi.Router, accessLimiter, requireSession func(http.Handler) http.Handler) {
	r.With(accessLimiter, Device).Post("/access", h.handleAccess)
	r.With(requireSession).Get("/me", h.handleMe)
}

func errAccessDenied() error {
	return dErrors.New(dErrors.CodeUnauthorized, "this link is invalid or no longer available")
}

func errAccessUnavailable() error {
	return dErrors.New(dErrors.CodeStorageUnavailable, "access is temporarily unavailable, please retry")
}

func (h *CandidateHandler) handleAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[accessRequest](w, r, h.logger)
	if !ok {
		return
	}
	stage, err := domain.ParseAssessmentStage(req.Stage)
	if err != nil {
		httputil.WriteError(w, errAccessDenied())
		return
	}

	grant, err := h.grants.Validate(ctx, req.Secret, stage)
	if err != nil {
		code := dErrors.CodeOf(err)
		h.logger.InfoContext(ctx, "candidate access refused",
			"reason", string(code),
			"stage", stage.String(),
			"client_ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
			"request_id", requestID,
		)
		if code == dErrors.CodeStorageUnavailable || code == dErrors.CodeTimeout {
			httputil.WriteError(w, errAccessUnavailable())
			return
		}
		httputil.WriteError(w, errAccessDenied())
		return
	}

	token, err := h.sessions.Issue(ctx, grant.SubjectID, grant.ID, grant.Stage)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to issue candidate session",
			"grant_id", grant.ID.String(),
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "candidate access granted",
		"grant_id", grant.ID.String(),
		"candidate_id", grant.SubjectID.String(),
		"stage", grant.Stage.String(),
		"device", requestcontext.Device(ctx),
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusOK, accessResponse{
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt,
		Stage:     grant.Stage.String(),
	})
}

func (h *CandidateHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := session.FromContext(ctx)
	if !ok {
		h.logger.ErrorContext(ctx, "session missing from context despite session middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "session context error"))
		return
	}
	id, err := claims.CandidateID()
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired session"))
		return
	}

	c, err := h.candidates.Get(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load candidate for session",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired session"))
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toMeResponse(c))
}
