//go:build integration

package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gatehouse/internal/audit"
	"gatehouse/internal/policy"
	sgservice "gatehouse/internal/stagegate/service"
	sgstore "gatehouse/internal/stagegate/store"
	vaultservice "gatehouse/internal/vault/service"
	vaultstore "gatehouse/internal/vault/store"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/requestcontext"
	"gatehouse/pkg/secrets"
	"gatehouse/pkg/testutil"
	"gatehouse/pkg/testutil/containers"
)

type PostgresFlowSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	vault *vaultservice.Service
	gate  *sgservice.Service
	audit audit.Store
	ctx   context.Context
}

func TestPostgresFlowSuite(t *testing.T) {
	suite.Run(t, new(PostgresFlowSuite))
}

func (s *PostgresFlowSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresFlowSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(context.Background()))
	db := s.pg.DB
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rules := policy.Default()

	digester, err := secrets.NewDigester([]byte("integration-digest-key-0123456789"))
	s.Require().NoError(err)
	s.audit = audit.NewPostgres(db)

	s.vault, err = vaultservice.New(newVaultPostgresTx(db), vaultstore.NewPostgres(db), digester, rules,
		vaultservice.WithLogger(logger), vaultservice.WithAuditStore(s.audit))
	s.Require().NoError(err)
	s.gate, err = sgservice.New(newStagegatePostgresTx(db), sgstore.NewPostgres(db), s.vault, rules,
		sgservice.WithLogger(logger))
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Now().UTC().Truncate(time.Microsecond))
}

func (s *PostgresFlowSuite) TestStageOneGrantIsSingleUse() {
	c, err := s.gate.Intake(s.ctx, "recruiter-1", "Ada Lovelace", "ada@example.com")
	s.Require().NoError(err)
	started, err := s.gate.StartStage(s.ctx, "recruiter-1", c.ID, domain.Stage1)
	s.Require().NoError(err)

	result := testutil.RunConcurrent(16, func(int) error {
		_, err := s.vault.Validate(s.ctx, started.Grant.Secret, domain.Stage1)
		return err
	})
	s.Equal(int32(1), result.Successes)
	s.Equal(int32(15), result.AlreadyConsumed)

	history, err := s.vault.History(s.ctx, started.Grant.Grant.ID)
	s.Require().NoError(err)
	var consumed int
	for _, e := range history {
		if e.EventKind == audit.EventConsumed {
			consumed++
		}
	}
	s.Equal(1, consumed)
}

func (s *PostgresFlowSuite) TestDecisionRollsBackWithAudit() {
	c, err := s.gate.Intake(s.ctx, "recruiter-1", "Grace Hopper", "grace@example.com")
	s.Require().NoError(err)
	_, err = s.gate.StartStage(s.ctx, "recruiter-1", c.ID, domain.Stage1)
	s.Require().NoError(err)

	_, err = s.gate.SubmitStage2(s.ctx, "eval-1", c.ID, sgservice.Stage2Evaluation{Score: 8, Recommendation: "approve"})
	s.True(dErrors.HasCode(err, dErrors.CodeOutOfOrder))

	res, err := s.gate.SubmitStage1(s.ctx, "eval-1", c.ID, sgservice.Stage1Score{IQ: 90, Technical: 95})
	s.Require().NoError(err)
	s.Require().NotNil(res.Next)
	s.Equal(domain.Stage2, res.Next.Candidate.Stage)

	view, err := s.gate.Status(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Len(view.Outcomes, 1)
	s.Len(view.Grants, 2)

	entries, err := s.audit.ListByEntity(s.ctx, audit.EntityCandidate, c.ID.String())
	s.Require().NoError(err)
	var passed []string
	for _, e := range entries {
		if e.EventKind == audit.EventStagePassed {
			passed = append(passed, e.Details["stage"])
		}
	}
	s.Equal([]string{"stage1"}, passed)
}
