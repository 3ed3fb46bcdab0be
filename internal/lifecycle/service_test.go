package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
	"github.com/spec-kit/ticket-sync/internal/domain"
	"github.com/spec-kit/ticket-sync/internal/observability"
	"github.com/spec-kit/ticket-sync/internal/tracker"
	"github.com/spec-kit/ticket-sync/internal/worker"
	apperrors "github.com/spec-kit/ticket-sync/pkg/util/errorutil"
)

type fakeRecord struct {
	owner     *string
	secondary *string
	status    string
	notes     string
	issueID   int64
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*fakeRecord
	family  *config.Family
	failAll bool
}

func newFakeStore(family *config.Family) *fakeStore {
	return &fakeStore{records: map[string]*fakeRecord{}, family: family}
}

func (s *fakeStore) put(key string, rec *fakeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
}

func (s *fakeStore) get(key string) *fakeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.failAll {
		return false, errors.New("db down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok, nil
}

func (s *fakeStore) GetField(ctx context.Context, key, field string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if field == s.family.OwnerField {
		return rec.owner, nil
	}
	if field == s.family.StatusField {
		v := rec.status
		return &v, nil
	}
	return nil, nil
}

func (s *fakeStore) SetFields(ctx context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return pgx.ErrNoRows
	}
	for name, value := range fields {
		switch name {
		case s.family.StatusField:
			rec.status = fmt.Sprintf("%v", value)
		case s.family.OwnerField:
			rec.owner = toPtr(value)
		default:
			for _, sec := range s.family.SecondaryOwnerFields {
				if name == sec {
					rec.secondary = toPtr(value)
				}
			}
		}
	}
	return nil
}

func toPtr(value any) *string {
	if value == nil {
		return nil
	}
	v := fmt.Sprintf("%v", value)
	return &v
}

func (s *fakeStore) GetNotes(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return "", pgx.ErrNoRows
	}
	return rec.notes, nil
}

func (s *fakeStore) SetNotes(ctx context.Context, key, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return pgx.ErrNoRows
	}
	rec.notes = notes
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *fakeStore) ClaimOwner(ctx context.Context, key, owner, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return false, nil
	}
	if rec.owner != nil && *rec.owner != "" && *rec.owner != owner {
		return false, nil
	}
	rec.owner = &owner
	rec.status = status
	return true, nil
}

func (s *fakeStore) IssueID(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, false, pgx.ErrNoRows
	}
	if rec.issueID <= 0 {
		return 0, false, nil
	}
	return rec.issueID, true, nil
}

func (s *fakeStore) List(ctx context.Context) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Ticket, 0, len(s.records))
	for key, rec := range s.records {
		out = append(out, domain.Ticket{"id": key, "status": rec.status})
	}
	return out, nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

type mirrorCall struct {
	key         string
	status      *string
	responsible *string
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []mirrorCall
	ok    bool
}

func (m *fakeMirror) Sync(ctx context.Context, family *config.Family, key string, status, responsible *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{key: key, status: status, responsible: responsible})
	return m.ok
}

func (m *fakeMirror) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeMirror) lastCall() mirrorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type trackerCall struct {
	issueID int64
	update  tracker.IssueUpdate
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackerCall
	ok    bool
}

func (f *fakeTracker) UpdateIssue(ctx context.Context, family *config.Family, issueID int64, update tracker.IssueUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackerCall{issueID: issueID, update: update})
	return f.ok
}

func (f *fakeTracker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTracker) lastCall() trackerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fixture struct {
	svc     *Service
	store   *fakeStore
	mirror  *fakeMirror
	tracker *fakeTracker
	pool    *worker.Pool
}

func newFixture(t *testing.T, familyName string) *fixture {
	t.Helper()
	families, err := config.LoadFamilies("")
	require.NoError(t, err)
	var family *config.Family
	for _, f := range families {
		if f.Name == familyName {
			family = f
		}
	}
	require.NotNil(t, family)

	st := newFakeStore(family)
	mirror := &fakeMirror{ok: true}
	issues := &fakeTracker{ok: true}
	pool := worker.NewPool(4, 32, zap.NewNop())
	svc := NewService(family, st, mirror, issues, pool, observability.NewMetrics(),
		2*time.Second, zap.NewNop())
	return &fixture{svc: svc, store: st, mirror: mirror, tracker: issues, pool: pool}
}

// drain waits for all scheduled background propagation to finish.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Shutdown(ctx))
}

func requireStatusCode(t *testing.T, err error, status int) {
	t.Helper()
	var derr *apperrors.DomainError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, status, derr.HTTPStatus)
}

func TestClaimAssignsUnownedTicket(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	res, err := f.svc.Claim(context.Background(), "SAR-1", "alice", false)
	require.NoError(t, err)
	require.Equal(t, "alice", res.Owner)
	require.False(t, res.AlreadyOwned)

	rec := f.store.get("SAR-1")
	require.Equal(t, "Em Andamento", rec.status)
	require.Equal(t, "alice", *rec.owner)

	f.drain(t)
	require.Equal(t, 1, f.mirror.callCount())
	call := f.mirror.lastCall()
	require.Equal(t, "Em Andamento", *call.status)
	require.Equal(t, "alice", *call.responsible)

	require.Equal(t, 1, f.tracker.callCount())
	tc := f.tracker.lastCall()
	require.Equal(t, int64(77), tc.issueID)
	require.Equal(t, 2, tc.update.StatusID)
}

func TestClaimIsIdempotentForSameUser(t *testing.T) {
	f := newFixture(t, "sars")
	owner := "alice"
	f.store.put("SAR-1", &fakeRecord{owner: &owner, status: "Em Andamento", issueID: 77})

	res, err := f.svc.Claim(context.Background(), "SAR-1", "alice", false)
	require.NoError(t, err)
	require.True(t, res.AlreadyOwned)

	f.drain(t)
	require.Zero(t, f.mirror.callCount())
	require.Zero(t, f.tracker.callCount())
}

func TestClaimConflictReportsCurrentOwner(t *testing.T) {
	f := newFixture(t, "sars")
	owner := "alice"
	f.store.put("SAR-1", &fakeRecord{owner: &owner, status: "Em Andamento"})

	_, err := f.svc.Claim(context.Background(), "SAR-1", "bob", false)
	requireStatusCode(t, err, 409)

	var derr *apperrors.DomainError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, "alice", derr.Details["responsavel_atual"])
	require.Equal(t, true, derr.Details["conflito"])

	rec := f.store.get("SAR-1")
	require.Equal(t, "alice", *rec.owner)

	f.drain(t)
	require.Zero(t, f.mirror.callCount())
}

func TestClaimUnknownTicket(t *testing.T) {
	f := newFixture(t, "sars")
	_, err := f.svc.Claim(context.Background(), "SAR-404", "alice", false)
	requireStatusCode(t, err, 404)
}

func TestClaimVisualOnlySkipsPropagation(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	_, err := f.svc.Claim(context.Background(), "SAR-1", "alice", true)
	require.NoError(t, err)

	f.drain(t)
	require.Zero(t, f.mirror.callCount())
	require.Zero(t, f.tracker.callCount())
}

func TestClaimSucceedsWhenPropagationFails(t *testing.T) {
	f := newFixture(t, "sars")
	f.mirror.ok = false
	f.tracker.ok = false
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	res, err := f.svc.Claim(context.Background(), "SAR-1", "alice", false)
	require.NoError(t, err)
	require.Equal(t, "alice", res.Owner)

	f.drain(t)
	require.Equal(t, 1, f.mirror.callCount())
	require.Equal(t, 1, f.tracker.callCount())
}

func TestReleaseClearsAllOwners(t *testing.T) {
	f := newFixture(t, "sars")
	owner, secondary := "alice", "bob"
	f.store.put("SAR-1", &fakeRecord{owner: &owner, secondary: &secondary, status: "Em Andamento", issueID: 77})

	require.NoError(t, f.svc.Release(context.Background(), "SAR-1", false))

	rec := f.store.get("SAR-1")
	require.Equal(t, "Pendente", rec.status)
	require.Nil(t, rec.owner)
	require.Nil(t, rec.secondary)

	f.drain(t)
	call := f.mirror.lastCall()
	require.Equal(t, "Pendente", *call.status)
	require.Equal(t, "", *call.responsible)

	tc := f.tracker.lastCall()
	require.NotNil(t, tc.update.Assignee)
	require.Zero(t, *tc.update.Assignee)
}

func TestReleaseByNonOwnerSucceeds(t *testing.T) {
	f := newFixture(t, "sars")
	owner := "alice"
	f.store.put("SAR-1", &fakeRecord{owner: &owner, status: "Em Andamento"})

	require.NoError(t, f.svc.Release(context.Background(), "SAR-1", true))
	require.Nil(t, f.store.get("SAR-1").owner)
}

func TestCloseDeletesAndPropagatesTerminalStatus(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Em Andamento", issueID: 77})

	require.NoError(t, f.svc.Close(context.Background(), "SAR-1", domain.OutcomeCompleted))
	require.Nil(t, f.store.get("SAR-1"))

	_, err := f.svc.Claim(context.Background(), "SAR-1", "alice", false)
	requireStatusCode(t, err, 404)

	f.drain(t)
	call := f.mirror.lastCall()
	require.Equal(t, "Concluído", *call.status)
	require.Nil(t, call.responsible)

	tc := f.tracker.lastCall()
	require.Equal(t, int64(77), tc.issueID)
	require.Equal(t, 3, tc.update.StatusID)
}

func TestCloseCancelledUsesCancelledCode(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	require.NoError(t, f.svc.Close(context.Background(), "SAR-1", domain.OutcomeCancelled))

	f.drain(t)
	require.Equal(t, 5, f.tracker.lastCall().update.StatusID)
}

func TestCloseRejectsInvalidOutcome(t *testing.T) {
	f := newFixture(t, "sars")
	err := f.svc.Close(context.Background(), "SAR-1", domain.CloseOutcome("Pendente"))
	requireStatusCode(t, err, 400)
}

func TestAnnotateAppendsAndForwards(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77, notes: "[01/01/2025 08:00 - bob]: inicial"})

	note, err := f.svc.Annotate(context.Background(), "SAR-1", "alice", "verificado")
	require.NoError(t, err)
	require.Equal(t, "alice", note.User)
	require.Equal(t, "verificado", note.Text)

	blob := f.store.get("SAR-1").notes
	require.True(t, strings.HasPrefix(blob, "[01/01/2025 08:00 - bob]: inicial\n\n["))
	require.True(t, strings.HasSuffix(blob, "- alice]: verificado"))

	f.drain(t)
	require.Equal(t, "[alice] verificado", f.tracker.lastCall().update.Notes)
	require.Zero(t, f.mirror.callCount())
}

func TestAnnotateRejectsBlankText(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente"})

	_, err := f.svc.Annotate(context.Background(), "SAR-1", "alice", "   ")
	requireStatusCode(t, err, 400)
}

func TestUpdateWithStatusPropagates(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	res, err := f.svc.Update(context.Background(), "SAR-1",
		map[string]any{"status": "Concluído", "campoInventado": "x"}, false)
	require.NoError(t, err)
	require.Contains(t, res.Skipped, "campoInventado")

	f.drain(t)
	require.Equal(t, 1, f.mirror.callCount())
	require.Equal(t, "Concluído", *f.mirror.lastCall().status)
	require.Equal(t, 3, f.tracker.lastCall().update.StatusID)
}

func TestUpdateWithoutStatusSkipsPropagation(t *testing.T) {
	f := newFixture(t, "sars")
	owner := "alice"
	f.store.put("SAR-1", &fakeRecord{owner: &owner, status: "Em Andamento"})

	_, err := f.svc.Update(context.Background(), "SAR-1",
		map[string]any{"responsavelHub": "carol"}, false)
	require.NoError(t, err)

	f.drain(t)
	require.Zero(t, f.mirror.callCount())
	require.Zero(t, f.tracker.callCount())
}

func TestUpdateWaitReportsPropagationOutcomes(t *testing.T) {
	f := newFixture(t, "sars")
	f.tracker.ok = false
	f.store.put("SAR-1", &fakeRecord{status: "Pendente", issueID: 77})

	res, err := f.svc.Update(context.Background(), "SAR-1",
		map[string]any{"status": "Cancelado"}, true)
	require.NoError(t, err)
	require.NotNil(t, res.MirrorOK)
	require.True(t, *res.MirrorOK)
	require.NotNil(t, res.TrackerOK)
	require.False(t, *res.TrackerOK)
	f.drain(t)
}

func TestUpdateRejectsWhollyUnmappedFields(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.put("SAR-1", &fakeRecord{status: "Pendente"})

	_, err := f.svc.Update(context.Background(), "SAR-1", map[string]any{"nada": 1}, false)
	requireStatusCode(t, err, 400)
}

func TestStoreFailureMapsToInternalError(t *testing.T) {
	f := newFixture(t, "sars")
	f.store.failAll = true

	_, err := f.svc.Claim(context.Background(), "SAR-1", "alice", false)
	requireStatusCode(t, err, 500)
}

// Three users race over the same numeric ticket: first claim wins, the loser
// gets a conflict naming the winner, release reopens the ticket for anyone.
func TestClaimReleaseContention(t *testing.T) {
	f := newFixture(t, "chamados")
	f.store.put("42", &fakeRecord{status: "Pendente"})

	_, err := f.svc.Claim(context.Background(), "42", "alice", true)
	require.NoError(t, err)

	_, err = f.svc.Claim(context.Background(), "42", "bob", true)
	requireStatusCode(t, err, 409)

	require.NoError(t, f.svc.Release(context.Background(), "42", true))

	res, err := f.svc.Claim(context.Background(), "42", "carol", true)
	require.NoError(t, err)
	require.Equal(t, "carol", res.Owner)
	f.drain(t)
}
