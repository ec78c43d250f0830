package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
	"gatehouse/pkg/requestcontext"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = requestcontext.WithActor(context.Background(), "staff-1", "recruiter")
}

func (s *InMemoryStoreSuite) TestAppendAssignsInsertionOrder() {
	first := NewEntry(s.ctx, EntityGrant, "g-1", EventIssued)
	second := NewEntry(s.ctx, EntityGrant, "g-1", EventConsumed)

	s.Require().NoError(s.store.Append(s.ctx, &first))
	s.Require().NoError(s.store.Append(s.ctx, &second))

	s.Equal(int64(1), first.Seq)
	s.Equal(int64(2), second.Seq)
	s.Equal(domain.ActorID("staff-1"), first.ActorID)
	s.NotEqual(first.ID, second.ID)
}

func (s *InMemoryStoreSuite) TestListByEntityFilters() {
	for _, e := range []Entry{
		NewEntry(s.ctx, EntityGrant, "g-1", EventIssued),
		NewEntry(s.ctx, EntityCandidate, "c-1", EventStageStarted),
		NewEntry(s.ctx, EntityGrant, "g-1", EventExpired),
	} {
		s.Require().NoError(s.store.Append(s.ctx, &e))
	}

	got, err := s.store.ListByEntity(s.ctx, EntityGrant, "g-1")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(EventIssued, got[0].EventKind)
	s.Equal(EventExpired, got[1].EventKind)
}

func (s *InMemoryStoreSuite) TestListRecentNewestFirst() {
	for i := 0; i < 5; i++ {
		e := NewEntry(s.ctx, EntityGrant, "g", EventReminderSent)
		s.Require().NoError(s.store.Append(s.ctx, &e))
	}
	got, err := s.store.ListRecent(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(int64(5), got[0].Seq)
	s.Equal(int64(4), got[1].Seq)
}

func (s *InMemoryStoreSuite) TestStoredDetailsAreIsolated() {
	e := NewEntry(s.ctx, EntityGrant, "g", EventIssued).With("stage", "stage1")
	s.Require().NoError(s.store.Append(s.ctx, &e))
	e.Details["stage"] = "tampered"

	got, err := s.store.ListByEntity(s.ctx, EntityGrant, "g")
	s.Require().NoError(err)
	s.Equal("stage1", got[0].Details["stage"])
}

func TestBuffer_FlushesOnlyOnDemand(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	var buf Buffer

	e := NewEntry(ctx, EntityGrant, "g", EventIssued)
	require.NoError(t, buf.Append(ctx, &e))
	assert.Equal(t, 1, buf.Len())
	assert.Empty(t, store.All())

	require.NoError(t, buf.Flush(ctx, store))
	assert.Len(t, store.All(), 1)
	assert.Equal(t, 0, buf.Len())
}

func TestEntryBuilders(t *testing.T) {
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), at)

	e := NewEntry(ctx, EntityCandidate, "c-1", EventStagePassed).
		Transition("stage1/in_progress", "stage1/passed").
		With("weighted", "71.2").
		With("empty", "").
		By("reviewer-9")

	assert.Equal(t, at, e.Timestamp)
	assert.Equal(t, domain.ActorID("reviewer-9"), e.ActorID)
	assert.Equal(t, "stage1/passed", e.AfterState)
	assert.Equal(t, map[string]string{"weighted": "71.2"}, e.Details)
	assert.Len(t, e.ID, 26)
}

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "system", "grant", "g-1", "issued", "", "active", []byte(`{"stage":"stage2"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(41)))

	store := NewPostgres(db)
	e := NewEntry(context.Background(), EntityGrant, "g-1", EventIssued).Transition("", "active").With("stage", "stage2")
	require.NoError(t, store.Append(context.Background(), &e))

	assert.Equal(t, int64(41), e.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"seq", "id", "occurred_at", "actor_id", "entity_kind", "entity_id", "event_kind", "before_state", "after_state", "details"}).
		AddRow(int64(1), "01J0000000000000000000000A", at, "staff-1", "candidate", "c-1", "stage-started", "intake/passed", "stage1/in_progress", []byte(`{"grant_id":"g-1"}`))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries")).WithArgs("candidate", "c-1").WillReturnRows(rows)

	got, err := NewPostgres(db).ListByEntity(context.Background(), EntityCandidate, "c-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventStageStarted, got[0].EventKind)
	assert.Equal(t, "g-1", got[0].Details["grant_id"])
	assert.Equal(t, at, got[0].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendClassifiesOutage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_entries")).WillReturnError(context.DeadlineExceeded)

	e := NewEntry(context.Background(), EntityGrant, "g-1", EventIssued)
	err = NewPostgres(db).Append(context.Background(), &e)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
}
