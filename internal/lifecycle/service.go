package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
	"github.com/spec-kit/ticket-sync/internal/domain"
	"github.com/spec-kit/ticket-sync/internal/observability"
	"github.com/spec-kit/ticket-sync/internal/store"
	"github.com/spec-kit/ticket-sync/internal/tracker"
	"github.com/spec-kit/ticket-sync/internal/worker"
	apperrors "github.com/spec-kit/ticket-sync/pkg/util/errorutil"
)

// SheetMirror is the slice of the spreadsheet mirror the lifecycle needs.
type SheetMirror interface {
	Sync(ctx context.Context, family *config.Family, key string, status, responsible *string) bool
}

// IssueTracker is the slice of the tracker client the lifecycle needs.
type IssueTracker interface {
	UpdateIssue(ctx context.Context, family *config.Family, issueID int64, update tracker.IssueUpdate) bool
}

// ClaimResult reports the outcome of a claim. AlreadyOwned distinguishes the
// idempotent re-claim from a fresh claim.
type ClaimResult struct {
	Message      string `json:"mensagem"`
	Owner        string `json:"responsavel_atual"`
	AlreadyOwned bool   `json:"ja_assumido,omitempty"`
}

// UpdateResult reports a generic field update, including which incoming
// fields had no column mapping and were ignored.
type UpdateResult struct {
	Message   string   `json:"mensagem"`
	Skipped   []string `json:"campos_ignorados,omitempty"`
	MirrorOK  *bool    `json:"-"`
	TrackerOK *bool    `json:"-"`
}

// Service orchestrates one ticket family: synchronous Postgres mutations
// followed by best-effort asynchronous propagation to the spreadsheet and the
// issue tracker. The database write is the commit point; propagation failures
// are logged and counted, never surfaced to the caller.
type Service struct {
	family  *config.Family
	store   store.TicketStore
	mirror  SheetMirror
	tracker IssueTracker
	pool    *worker.Pool
	metrics *observability.Metrics
	logger  *zap.Logger

	joinTimeout time.Duration
	now         func() time.Time
}

func NewService(
	family *config.Family,
	ts store.TicketStore,
	mirror SheetMirror,
	issues IssueTracker,
	pool *worker.Pool,
	metrics *observability.Metrics,
	joinTimeout time.Duration,
	logger *zap.Logger,
) *Service {
	return &Service{
		family:      family,
		store:       ts,
		mirror:      mirror,
		tracker:     issues,
		pool:        pool,
		metrics:     metrics,
		logger:      logger,
		joinTimeout: joinTimeout,
		now:         time.Now,
	}
}

// Family exposes the family configuration for the HTTP layer.
func (s *Service) Family() *config.Family { return s.family }

// Claim assigns the ticket to user. Claiming a ticket you already own is a
// no-op success; claiming someone else's ticket is a conflict carrying the
// current owner. The ownership test and the write are a single conditional
// UPDATE, so two concurrent claims cannot both win.
func (s *Service) Claim(ctx context.Context, key, user string, visualOnly bool) (*ClaimResult, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, apperrors.NewValidationError("usuario is required", nil)
	}
	if err := s.mustExist(ctx, key); err != nil {
		return nil, err
	}

	// The pre-read only shapes the response message; ownership itself is
	// decided by the conditional UPDATE below.
	owner, err := s.store.GetField(ctx, key, s.family.OwnerField)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if owner != nil && *owner == user {
		return &ClaimResult{
			Message:      "ticket já assumido por você",
			Owner:        user,
			AlreadyOwned: true,
		}, nil
	}

	claimed, err := s.store.ClaimOwner(ctx, key, user, string(domain.StatusInProgress))
	if err != nil {
		s.logger.Error("claim ticket", zap.String("key", key), zap.Error(err))
		return nil, apperrors.NewInternalError(err)
	}
	if !claimed {
		current := ""
		if cur, err := s.store.GetField(ctx, key, s.family.OwnerField); err == nil && cur != nil {
			current = *cur
		}
		return nil, apperrors.NewOwnershipConflict(current)
	}

	result := &ClaimResult{Message: "ticket assumido com sucesso", Owner: user}

	if !visualOnly {
		status := string(domain.StatusInProgress)
		responsible := user
		s.scheduleMirror(key, &status, &responsible)
		s.scheduleTracker(key, tracker.IssueUpdate{
			StatusID: s.family.Tracker.StatusCode(status),
			Notes:    fmt.Sprintf("[%s] assumiu o ticket %s", user, key),
			Assignee: assigneeFor(s.family),
		})
	}
	return result, nil
}

// Release clears ownership unconditionally and returns the ticket to
// "Pendente". Any user may release any ticket.
func (s *Service) Release(ctx context.Context, key string, visualOnly bool) error {
	if err := s.mustExist(ctx, key); err != nil {
		return err
	}

	fields := map[string]any{
		s.family.StatusField: string(domain.StatusPending),
		s.family.OwnerField:  nil,
	}
	for _, f := range s.family.SecondaryOwnerFields {
		fields[f] = nil
	}
	if err := s.store.SetFields(ctx, key, fields); err != nil {
		s.logger.Error("release ticket", zap.String("key", key), zap.Error(err))
		return apperrors.NewInternalError(err)
	}

	if !visualOnly {
		status := string(domain.StatusPending)
		cleared := ""
		s.scheduleMirror(key, &status, &cleared)
		noAssignee := 0
		s.scheduleTracker(key, tracker.IssueUpdate{
			StatusID: s.family.Tracker.StatusCode(status),
			Notes:    fmt.Sprintf("ticket %s liberado", key),
			Assignee: &noAssignee,
		})
	}
	return nil
}

// Close removes the ticket row and propagates the terminal status. Deletion
// is authoritative and irreversible; a lost async propagation leaves a stale
// mirror row, never a resurrected ticket.
func (s *Service) Close(ctx context.Context, key string, outcome domain.CloseOutcome) error {
	if !outcome.Valid() {
		return apperrors.NewValidationError("invalid close outcome", nil)
	}
	if err := s.mustExist(ctx, key); err != nil {
		return err
	}

	// The row is gone after Delete, so resolve the tracker issue id first.
	issueID, hasIssue, err := s.store.IssueID(ctx, key)
	if err != nil {
		s.logger.Warn("resolve tracker issue before close", zap.String("key", key), zap.Error(err))
		hasIssue = false
	}

	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Error("close ticket", zap.String("key", key), zap.Error(err))
		return apperrors.NewInternalError(err)
	}

	status := string(outcome.Status())
	s.scheduleMirror(key, &status, nil)
	if hasIssue {
		update := tracker.IssueUpdate{
			StatusID: s.family.Tracker.StatusCode(status),
			Notes:    fmt.Sprintf("ticket %s encerrado como %s", key, status),
		}
		s.submit("tracker", key, func(ctx context.Context) {
			ok := s.tracker.UpdateIssue(ctx, s.family, issueID, update)
			s.metrics.RecordSync(s.family.Name, "tracker", ok)
		})
	}
	return nil
}

// Annotate appends a timestamped note to the ticket and forwards it to the
// tracker. The database append is synchronous; only the tracker call rides
// the worker pool.
func (s *Service) Annotate(ctx context.Context, key, user, text string) (*domain.Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewValidationError("observacao is required", nil)
	}
	if err := s.mustExist(ctx, key); err != nil {
		return nil, err
	}

	existing, err := s.store.GetNotes(ctx, key)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	at := s.now()
	entry := FormatNote(at, user, text)
	if err := s.store.SetNotes(ctx, key, AppendNote(existing, entry)); err != nil {
		s.logger.Error("append note", zap.String("key", key), zap.Error(err))
		return nil, apperrors.NewInternalError(err)
	}

	s.scheduleTracker(key, tracker.IssueUpdate{
		Notes: fmt.Sprintf("[%s] %s", strings.TrimSpace(user), text),
	})

	note := &domain.Note{
		Timestamp: at,
		User:      strings.TrimSpace(user),
		Text:      text,
		Display:   at.Format(noteTimeLayout),
	}
	return note, nil
}

// Update applies a mapped partial update. A status change additionally
// propagates to the mirror and the tracker. When wait is true the call blocks
// on the two background results up to the join timeout, for callers that want
// the propagation booleans in their logs before responding.
func (s *Service) Update(ctx context.Context, key string, fields map[string]any, wait bool) (*UpdateResult, error) {
	if len(fields) == 0 {
		return nil, apperrors.NewValidationError("no fields to update", nil)
	}
	if err := s.mustExist(ctx, key); err != nil {
		return nil, err
	}

	keyArg, err := store.KeyArg(s.family, key)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid ticket key", map[string]any{"key": key})
	}
	_, _, skipped, ok := store.BuildUpdate(s.family, keyArg, fields)
	if !ok {
		return nil, apperrors.NewValidationError("no mapped fields to update",
			map[string]any{"campos_ignorados": skipped})
	}
	if err := s.store.SetFields(ctx, key, fields); err != nil {
		s.logger.Error("update ticket", zap.String("key", key), zap.Error(err))
		return nil, apperrors.NewInternalError(err)
	}

	result := &UpdateResult{Message: "ticket atualizado com sucesso", Skipped: skipped}

	rawStatus, hasStatus := fields[s.family.StatusField]
	if !hasStatus {
		return result, nil
	}
	status := fmt.Sprintf("%v", rawStatus)
	var responsible *string
	if raw, ok := fields[s.family.OwnerField]; ok {
		r := fmt.Sprintf("%v", raw)
		if raw == nil {
			r = ""
		}
		responsible = &r
	}

	update := tracker.IssueUpdate{StatusID: s.family.Tracker.StatusCode(status)}
	if !wait {
		s.scheduleMirror(key, &status, responsible)
		s.scheduleTracker(key, update)
		return result, nil
	}

	mirrorDone := s.pool.SubmitWait("mirror", func(ctx context.Context) {
		ok := s.mirror.Sync(ctx, s.family, key, &status, responsible)
		s.metrics.RecordSync(s.family.Name, "mirror", ok)
		result.MirrorOK = &ok
	})
	trackerDone := s.submitTrackerWait(key, update, func(ok bool) {
		result.TrackerOK = &ok
	})
	s.join(key, mirrorDone, trackerDone)
	return result, nil
}

// List returns every open ticket in the family.
func (s *Service) List(ctx context.Context) ([]domain.Ticket, error) {
	tickets, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("list tickets", zap.String("family", s.family.Name), zap.Error(err))
		return nil, apperrors.NewInternalError(err)
	}
	return tickets, nil
}

// Notes returns the ticket's annotation history as structured entries.
func (s *Service) Notes(ctx context.Context, key string) ([]domain.Note, error) {
	if err := s.mustExist(ctx, key); err != nil {
		return nil, err
	}
	blob, err := s.store.GetNotes(ctx, key)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return ParseNotes(blob), nil
}

func (s *Service) mustExist(ctx context.Context, key string) error {
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		s.logger.Error("check ticket existence", zap.String("key", key), zap.Error(err))
		return apperrors.NewInternalError(err)
	}
	if !exists {
		return apperrors.NewNotFound("ticket", map[string]any{"key": key})
	}
	return nil
}

func (s *Service) scheduleMirror(key string, status, responsible *string) {
	s.submit("mirror", key, func(ctx context.Context) {
		ok := s.mirror.Sync(ctx, s.family, key, status, responsible)
		s.metrics.RecordSync(s.family.Name, "mirror", ok)
	})
}

func (s *Service) scheduleTracker(key string, update tracker.IssueUpdate) {
	s.submit("tracker", key, func(ctx context.Context) {
		issueID, hasIssue, err := s.store.IssueID(ctx, key)
		if err != nil || !hasIssue {
			if err != nil {
				s.logger.Warn("resolve tracker issue", zap.String("key", key), zap.Error(err))
			}
			s.metrics.RecordSync(s.family.Name, "tracker", false)
			return
		}
		ok := s.tracker.UpdateIssue(ctx, s.family, issueID, update)
		s.metrics.RecordSync(s.family.Name, "tracker", ok)
	})
}

func (s *Service) submitTrackerWait(key string, update tracker.IssueUpdate, report func(bool)) <-chan struct{} {
	return s.pool.SubmitWait("tracker", func(ctx context.Context) {
		issueID, hasIssue, err := s.store.IssueID(ctx, key)
		if err != nil || !hasIssue {
			s.metrics.RecordSync(s.family.Name, "tracker", false)
			report(false)
			return
		}
		ok := s.tracker.UpdateIssue(ctx, s.family, issueID, update)
		s.metrics.RecordSync(s.family.Name, "tracker", ok)
		report(ok)
	})
}

func (s *Service) submit(target, key string, run func(ctx context.Context)) {
	name := s.family.Name + ":" + target
	if !s.pool.Submit(name, run) {
		s.metrics.RecordSync(s.family.Name, target, false)
		s.logger.Warn("propagation not scheduled",
			zap.String("family", s.family.Name),
			zap.String("target", target),
			zap.String("key", key))
	}
}

func (s *Service) join(key string, channels ...<-chan struct{}) {
	deadline := time.After(s.joinTimeout)
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-deadline:
			s.logger.Warn("timed out waiting for propagation", zap.String("key", key))
			return
		}
	}
}

func assigneeFor(family *config.Family) *int {
	if family.Tracker.AssigneeID <= 0 {
		return nil
	}
	id := family.Tracker.AssigneeID
	return &id
}
