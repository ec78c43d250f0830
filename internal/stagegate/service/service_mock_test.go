package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatehouse/internal/audit"
	"gatehouse/internal/notify"
	"gatehouse/internal/policy"
	"gatehouse/internal/stagegate/models"
	"gatehouse/internal/stagegate/service/mocks"
	"gatehouse/internal/stagegate/store"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/retry"
	"gatehouse/pkg/platform/sentinel"
	"gatehouse/pkg/requestcontext"
)

// =============================================================================
// Vault Collaboration Suite
// =============================================================================
// Justification: failures of the vault and of the candidate transaction are
// hard to provoke with the real vault. The mocks pin down compensation
// (revoking a grant whose stage never started) and that post-commit cleanup
// failures never undo a committed decision.

type VaultCollaborationSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	vault      *mocks.MockVault
	candidates *store.InMemoryCandidateStore
	auditStore *audit.InMemoryStore
	recorder   *notify.Recorder
	ctx        context.Context
	now        time.Time
}

func TestVaultCollaborationSuite(t *testing.T) {
	suite.Run(t, new(VaultCollaborationSuite))
}

func (s *VaultCollaborationSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.vault = mocks.NewMockVault(s.ctrl)
	s.candidates = store.NewInMemory()
	s.auditStore = audit.NewInMemoryStore()
	s.recorder = notify.NewRecorder()
	s.now = time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *VaultCollaborationSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *VaultCollaborationSuite) newService(tx StoreTx) *Service {
	if tx == nil {
		tx = NewShardedTx(s.candidates, s.auditStore, nil)
	}
	svc, err := New(tx, s.candidates, s.vault, policy.Default(),
		WithLogger(discardLogger()),
		WithEmitter(s.recorder),
		WithRetry(retry.Policy{Attempts: 1}),
	)
	s.Require().NoError(err)
	return svc
}

func (s *VaultCollaborationSuite) seed(stage domain.Stage, status models.Status) *models.Candidate {
	c := &models.Candidate{
		ID:        domain.NewCandidateID(),
		Name:      "Grace",
		Email:     "grace@example.com",
		Stage:     stage,
		Status:    status,
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
	s.Require().NoError(s.candidates.Create(s.ctx, c))
	return c
}

func (s *VaultCollaborationSuite) issued(subject domain.CandidateID, stage domain.Stage) *vaultmodels.IssuedGrant {
	return &vaultmodels.IssuedGrant{
		Grant: &vaultmodels.Grant{
			ID:        domain.NewGrantID(),
			SubjectID: subject,
			Stage:     stage,
			IssuedAt:  s.now,
			ExpiresAt: s.now.Add(72 * time.Hour),
			MaxUses:   1,
			Status:    vaultmodels.StatusActive,
		},
		Secret: "gk_test-secret",
	}
}

type failingTx struct{ err error }

func (f failingTx) RunInTx(context.Context, string, func(context.Context, Stores) error) error {
	return f.err
}

func (s *VaultCollaborationSuite) TestStartStage_IssueFailureLeavesCandidateUntouched() {
	c := s.seed(domain.StageIntake, models.StatusPassed)
	s.vault.EXPECT().IssueForStage(gomock.Any(), c.ID, domain.Stage1).
		Return(nil, dErrors.New(dErrors.CodeStorageUnavailable, "vault down"))

	_, err := s.newService(nil).StartStage(s.ctx, "staff-1", c.ID, domain.Stage1)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))

	got, err := s.candidates.FindByID(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(domain.StageIntake, got.Stage)
	s.Empty(s.recorder.Events())
}

func (s *VaultCollaborationSuite) TestStartStage_AbortedTransitionRevokesGrant() {
	c := s.seed(domain.StageIntake, models.StatusPassed)
	grant := s.issued(c.ID, domain.Stage1)

	s.vault.EXPECT().IssueForStage(gomock.Any(), c.ID, domain.Stage1).Return(grant, nil)
	s.vault.EXPECT().Revoke(gomock.Any(), domain.ActorID("staff-1"), grant.Grant.ID, vaultmodels.ReasonSuperseded).
		Return(grant.Grant, nil)

	svc := s.newService(failingTx{err: fmt.Errorf("commit: %w", sentinel.ErrUnavailable)})
	_, err := svc.StartStage(s.ctx, "staff-1", c.ID, domain.Stage1)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	s.Empty(s.recorder.OfKind(notify.KindStageStarted))
}

func (s *VaultCollaborationSuite) TestSubmit_GrantCleanupFailureKeepsDecision() {
	c := s.seed(domain.Stage1, models.StatusInProgress)
	s.vault.EXPECT().ListBySubject(gomock.Any(), c.ID).
		Return(nil, dErrors.New(dErrors.CodeStorageUnavailable, "vault down"))

	res, err := s.newService(nil).SubmitStage1(s.ctx, "eval-1", c.ID, Stage1Score{IQ: 20, Technical: 20})
	s.Require().NoError(err)
	s.Equal(domain.StageRejected, res.Candidate.Stage)
	s.Len(s.recorder.OfKind(notify.KindCandidateRejected), 1)
}

func (s *VaultCollaborationSuite) TestSubmit_RevokesOnlyActiveGrantsOfTheStage() {
	c := s.seed(domain.Stage2, models.StatusInProgress)
	active := s.issued(c.ID, domain.Stage2).Grant
	consumed := s.issued(c.ID, domain.Stage2).Grant
	consumed.Status = vaultmodels.StatusConsumed
	other := s.issued(c.ID, domain.Stage1).Grant

	s.vault.EXPECT().ListBySubject(gomock.Any(), c.ID).Return([]*vaultmodels.Grant{other, consumed, active}, nil)
	s.vault.EXPECT().Revoke(gomock.Any(), domain.ActorID("eval-1"), active.ID, vaultmodels.ReasonStageClosed).Return(active, nil)

	_, err := s.newService(nil).SubmitStage2(s.ctx, "eval-1", c.ID, Stage2Evaluation{Score: 2, Recommendation: models.RecommendationReject})
	s.Require().NoError(err)
}

func (s *VaultCollaborationSuite) TestSubmit_AutoStartFailureKeepsPass() {
	c := s.seed(domain.Stage1, models.StatusInProgress)
	s.vault.EXPECT().ListBySubject(gomock.Any(), c.ID).Return(nil, nil)
	s.vault.EXPECT().IssueForStage(gomock.Any(), c.ID, domain.Stage2).
		Return(nil, dErrors.New(dErrors.CodeConflict, "an active grant already exists for stage2"))

	res, err := s.newService(nil).SubmitStage1(s.ctx, "eval-1", c.ID, Stage1Score{IQ: 90, Technical: 90})
	s.Require().NoError(err)
	s.Nil(res.Next)
	s.Equal(domain.Stage1, res.Candidate.Stage)
	s.Equal(models.StatusPassed, res.Candidate.Status)
	s.Len(s.recorder.OfKind(notify.KindStagePassed), 1)
	s.Empty(s.recorder.OfKind(notify.KindStageStarted))
}

func (s *VaultCollaborationSuite) TestStatus_StoreOutage() {
	mockStore := mocks.NewMockStore(s.ctrl)
	id := domain.NewCandidateID()
	mockStore.EXPECT().FindByID(gomock.Any(), id).Return(nil, fmt.Errorf("find candidate: %w", sentinel.ErrUnavailable))

	svc, err := New(NewShardedTx(mockStore, s.auditStore, nil), mockStore, s.vault, policy.Default(), WithLogger(discardLogger()))
	s.Require().NoError(err)

	_, err = svc.Status(s.ctx, id)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
}

func (s *VaultCollaborationSuite) TestSubmit_StaleVersionIsConflict() {
	mockStore := mocks.NewMockStore(s.ctrl)
	c := &models.Candidate{ID: domain.NewCandidateID(), Stage: domain.Stage2, Status: models.StatusInProgress, Version: 2}
	mockStore.EXPECT().FindByIDForUpdate(gomock.Any(), c.ID).Return(c, nil)
	mockStore.EXPECT().AppendOutcome(gomock.Any(), c.ID, gomock.Any()).Return(nil)
	mockStore.EXPECT().Update(gomock.Any(), gomock.Any()).Return(fmt.Errorf("candidate version 2: %w", sentinel.ErrConflict))

	svc, err := New(NewShardedTx(mockStore, s.auditStore, nil), mockStore, s.vault, policy.Default(),
		WithLogger(discardLogger()), WithRetry(retry.Policy{Attempts: 1}))
	s.Require().NoError(err)

	_, err = svc.SubmitStage2(s.ctx, "eval-1", c.ID, Stage2Evaluation{Score: 8, Recommendation: models.RecommendationApprove})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Empty(s.auditStore.All())
}

func (s *VaultCollaborationSuite) TestNew_RequiresDependencies() {
	_, err := New(nil, s.candidates, s.vault, policy.Default())
	s.ErrorContains(err, "candidate store and transaction are required")

	_, err = New(NewShardedTx(s.candidates, s.auditStore, nil), s.candidates, nil, policy.Default())
	s.ErrorContains(err, "vault is required")
}
