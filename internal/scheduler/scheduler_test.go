package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gatehouse/internal/audit"
	"gatehouse/internal/notify"
	"gatehouse/internal/policy"
	"gatehouse/internal/vault/models"
	vaultservice "gatehouse/internal/vault/service"
	"gatehouse/internal/vault/store"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/requestcontext"
	"gatehouse/pkg/secrets"
)

const day = 24 * time.Hour

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type SchedulerSuite struct {
	suite.Suite
	vault    *vaultservice.Service
	recorder *notify.Recorder
	clock    time.Time
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	grants := store.NewInMemory()
	auditStore := audit.NewInMemoryStore()
	digester, err := secrets.NewDigester([]byte("0123456789abcdef0123456789abcdef"))
	s.Require().NoError(err)
	s.vault, err = vaultservice.New(vaultservice.NewShardedTx(grants, auditStore, nil), grants, digester, policy.Default(),
		vaultservice.WithLogger(discardLogger()))
	s.Require().NoError(err)
	s.recorder = notify.NewRecorder()
	s.clock = time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC) // Monday
}

func (s *SchedulerSuite) newScheduler(vault Vault, opts ...Option) *Service {
	base := []Option{
		WithClock(func() time.Time { return s.clock }),
		WithEmitter(s.recorder),
		WithLogger(discardLogger()),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	}
	svc, err := New(vault, policy.Default(), append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *SchedulerSuite) issueAt(at time.Time, stage domain.Stage) *models.IssuedGrant {
	issued, err := s.vault.IssueForStage(requestcontext.WithTime(context.Background(), at), domain.NewCandidateID(), stage)
	s.Require().NoError(err)
	return issued
}

func (s *SchedulerSuite) grant(id domain.GrantID) *models.Grant {
	g, err := s.vault.Get(context.Background(), id)
	s.Require().NoError(err)
	return g
}

func (s *SchedulerSuite) TestExpirySweepIsIdempotent() {
	issued := s.issueAt(s.clock, domain.Stage1)
	sched := s.newScheduler(s.vault)

	s.clock = issued.Grant.ExpiresAt.Add(time.Second)
	res, err := sched.SweepExpiry(context.Background())
	s.Require().NoError(err)
	s.Equal(1, res.Expired)

	res, err = sched.SweepExpiry(context.Background())
	s.Require().NoError(err)
	s.Equal(0, res.Expired)

	expired := s.recorder.OfKind(notify.KindGrantExpired)
	s.Require().Len(expired, 1)
	s.Equal(issued.Grant.ID.String(), expired[0].GrantID)
	s.Equal(models.StatusExpired, s.grant(issued.Grant.ID).Status)
}

func (s *SchedulerSuite) TestExpirySweepLeavesUnexpiredGrants() {
	issued := s.issueAt(s.clock, domain.Stage1)
	sched := s.newScheduler(s.vault)

	s.clock = issued.Grant.ExpiresAt
	res, err := sched.SweepExpiry(context.Background())
	s.Require().NoError(err)
	s.Equal(0, res.Expired)
	s.True(s.grant(issued.Grant.ID).IsActive())
}

func (s *SchedulerSuite) TestExpirySweepReissues() {
	issued := s.issueAt(s.clock, domain.Stage1)
	sched := s.newScheduler(s.vault, WithReissueOnExpiry(true))

	s.clock = issued.Grant.ExpiresAt.Add(time.Minute)
	res, err := sched.SweepExpiry(context.Background())
	s.Require().NoError(err)
	s.Equal(1, res.Reissued)

	reissued := s.recorder.OfKind(notify.KindGrantReissued)
	s.Require().Len(reissued, 1)
	s.NotEmpty(reissued[0].Secret)
	s.NotEqual(issued.Grant.ID.String(), reissued[0].GrantID)
	s.Require().NotNil(reissued[0].ExpiresAt)
	s.True(reissued[0].ExpiresAt.Equal(s.clock.Add(7 * day)))

	grants, err := s.vault.ListBySubject(context.Background(), issued.Grant.SubjectID)
	s.Require().NoError(err)
	s.Len(grants, 2)
}

func (s *SchedulerSuite) TestReminderEmittedOncePerOffset() {
	issued := s.issueAt(s.clock, domain.Stage1) // expires Monday 2025-04-14 10:00
	sched := s.newScheduler(s.vault)

	s.clock = issued.Grant.ExpiresAt.Add(-20 * time.Hour)
	for range 100 {
		_, err := sched.SweepReminders(context.Background())
		s.Require().NoError(err)
	}
	reminders := s.recorder.OfKind(notify.KindReminderDue)
	s.Require().Len(reminders, 1)
	s.Equal(24*time.Hour, reminders[0].Offset)

	s.clock = issued.Grant.ExpiresAt.Add(-2 * time.Hour)
	for range 10 {
		_, err := sched.SweepReminders(context.Background())
		s.Require().NoError(err)
	}
	reminders = s.recorder.OfKind(notify.KindReminderDue)
	s.Require().Len(reminders, 2)
	s.Equal(3*time.Hour, reminders[1].Offset)
}

func (s *SchedulerSuite) TestLateSweepReportsEveryOffsetDue() {
	issued := s.issueAt(s.clock, domain.Stage1)
	sched := s.newScheduler(s.vault)

	s.clock = issued.Grant.ExpiresAt.Add(-time.Hour)
	res, err := sched.SweepReminders(context.Background())
	s.Require().NoError(err)
	s.Equal(1, res.Reminders)

	reminders := s.recorder.OfKind(notify.KindReminderDue)
	s.Require().Len(reminders, 1)
	s.Equal(3*time.Hour, reminders[0].Offset)
	s.Equal([]time.Duration{3 * time.Hour, 24 * time.Hour}, reminders[0].Offsets)

	g := s.grant(issued.Grant.ID)
	s.True(g.ReminderSent(24 * time.Hour))
	s.True(g.ReminderSent(3 * time.Hour))
}

func (s *SchedulerSuite) TestWeekendExpiryMovesToMondayOnce() {
	s.clock = time.Date(2025, 4, 9, 10, 0, 0, 0, time.UTC) // Wednesday
	issued := s.issueAt(s.clock, domain.Stage2)            // expires Saturday 10:00
	sched := s.newScheduler(s.vault)

	for range 3 {
		_, err := sched.SweepReminders(context.Background())
		s.Require().NoError(err)
	}

	extended := s.recorder.OfKind(notify.KindGrantExtended)
	s.Require().Len(extended, 1)
	monday := time.Date(2025, 4, 14, 9, 0, 0, 0, time.UTC)
	s.True(extended[0].ExpiresAt.Equal(monday))

	g := s.grant(issued.Grant.ID)
	s.True(g.AutoExtended)
	s.True(g.ExpiresAt.Equal(monday))
	s.Empty(s.recorder.OfKind(notify.KindReminderDue))
}

func (s *SchedulerSuite) TestWeekendExpiryOutsideLookaheadWaits() {
	s.clock = time.Date(2025, 4, 6, 10, 0, 0, 0, time.UTC) // Sunday
	issued := s.issueAt(s.clock, domain.Stage1)            // expires Sunday 2025-04-13
	sched := s.newScheduler(s.vault)

	_, err := sched.SweepReminders(context.Background())
	s.Require().NoError(err)
	s.Empty(s.recorder.OfKind(notify.KindGrantExtended))

	s.clock = issued.Grant.ExpiresAt.Add(-48 * time.Hour)
	_, err = sched.SweepReminders(context.Background())
	s.Require().NoError(err)
	s.Len(s.recorder.OfKind(notify.KindGrantExtended), 1)
}

type flakyVault struct {
	*vaultservice.Service
	failFor domain.GrantID
}

func (f *flakyVault) MarkReminderSent(ctx context.Context, id domain.GrantID, offsets []time.Duration) ([]time.Duration, error) {
	if id == f.failFor {
		return nil, fmt.Errorf("grant store unavailable")
	}
	return f.Service.MarkReminderSent(ctx, id, offsets)
}

func (s *SchedulerSuite) TestReminderFailureIsIsolated() {
	broken := s.issueAt(s.clock, domain.Stage1)
	healthy := s.issueAt(s.clock, domain.Stage1)
	flaky := &flakyVault{Service: s.vault, failFor: broken.Grant.ID}
	sched := s.newScheduler(flaky)

	s.clock = healthy.Grant.ExpiresAt.Add(-20 * time.Hour)
	res, err := sched.SweepReminders(context.Background())
	s.Require().Error(err)
	s.Equal(1, res.Reminders)
	s.Equal(1, res.Failed)

	reminders := s.recorder.OfKind(notify.KindReminderDue)
	s.Require().Len(reminders, 1)
	s.Equal(healthy.Grant.ID.String(), reminders[0].GrantID)

	flaky.failFor = domain.GrantID{}
	res, err = sched.SweepReminders(context.Background())
	s.Require().NoError(err)
	s.Equal(1, res.Reminders)
	s.Len(s.recorder.OfKind(notify.KindReminderDue), 2)
}

func TestNextBusinessAnchor(t *testing.T) {
	weekend := map[time.Weekday]bool{time.Saturday: true, time.Sunday: true}
	plus2 := time.FixedZone("plus2", 2*60*60)

	tests := []struct {
		name   string
		expiry time.Time
		loc    *time.Location
		want   time.Time
		ok     bool
	}{
		{
			name:   "saturday moves to monday",
			expiry: time.Date(2025, 4, 12, 10, 0, 0, 0, time.UTC),
			loc:    time.UTC,
			want:   time.Date(2025, 4, 14, 9, 0, 0, 0, time.UTC),
			ok:     true,
		},
		{
			name:   "late sunday moves to monday",
			expiry: time.Date(2025, 4, 13, 23, 30, 0, 0, time.UTC),
			loc:    time.UTC,
			want:   time.Date(2025, 4, 14, 9, 0, 0, 0, time.UTC),
			ok:     true,
		},
		{
			name:   "friday stays",
			expiry: time.Date(2025, 4, 11, 18, 0, 0, 0, time.UTC),
			loc:    time.UTC,
			ok:     false,
		},
		{
			name:   "weekend judged in configured zone",
			expiry: time.Date(2025, 4, 11, 22, 30, 0, 0, time.UTC), // Saturday 00:30 at +02:00
			loc:    plus2,
			want:   time.Date(2025, 4, 14, 9, 0, 0, 0, plus2),
			ok:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextBusinessAnchor(tt.expiry, weekend, tt.loc, 9)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			}
		})
	}
}

func TestNew_RejectsBadWeekendRule(t *testing.T) {
	rules := policy.Default()
	rules.Weekend.Days = []string{"caturday"}
	_, err := New(&flakyVault{}, rules)
	require.ErrorContains(t, err, "unknown day")

	_, err = New(nil, policy.Default())
	require.ErrorContains(t, err, "vault is required")
}

type countingSweeper struct {
	expiry    atomic.Int32
	reminders atomic.Int32
	err       error
}

func (c *countingSweeper) SweepExpiry(context.Context) (ExpiryResult, error) {
	c.expiry.Add(1)
	return ExpiryResult{}, c.err
}

func (c *countingSweeper) SweepReminders(context.Context) (ReminderResult, error) {
	c.reminders.Add(1)
	return ReminderResult{}, c.err
}

func TestRunner_StartLoopsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{err: fmt.Errorf("boom")}
	runner, err := NewRunner(sweeper,
		WithExpiryInterval(5*time.Millisecond),
		WithReminderInterval(5*time.Millisecond),
		WithRunOnStart(true),
		WithRunnerLogger(discardLogger()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.expiry.Load() >= 3 && sweeper.reminders.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_RunOnceJoinsErrors(t *testing.T) {
	sweeper := &countingSweeper{err: fmt.Errorf("boom")}
	runner, err := NewRunner(sweeper)
	require.NoError(t, err)

	_, _, err = runner.RunOnce(context.Background())
	require.ErrorContains(t, err, "boom")
	assert.EqualValues(t, 1, sweeper.expiry.Load())
	assert.EqualValues(t, 1, sweeper.reminders.Load())
}
