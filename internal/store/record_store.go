package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
	"github.com/spec-kit/ticket-sync/internal/domain"
	"github.com/spec-kit/ticket-sync/internal/persistence"
)

// TicketStore encapsulates ticket persistence for one family.
type TicketStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	GetField(ctx context.Context, key, field string) (*string, error)
	SetFields(ctx context.Context, key string, fields map[string]any) error
	GetNotes(ctx context.Context, key string) (string, error)
	SetNotes(ctx context.Context, key, notes string) error
	Delete(ctx context.Context, key string) error
	ClaimOwner(ctx context.Context, key, owner, status string) (bool, error)
	IssueID(ctx context.Context, key string) (int64, bool, error)
	List(ctx context.Context) ([]domain.Ticket, error)
	Count(ctx context.Context) (int64, error)
}

type ticketStore struct {
	family *config.Family
	pool   *persistence.Pool
	logger *zap.Logger
}

// NewTicketStore instantiates a store bound to one ticket family.
func NewTicketStore(family *config.Family, pool *persistence.Pool, logger *zap.Logger) TicketStore {
	return &ticketStore{family: family, pool: pool, logger: logger}
}

// VerifySchema checks that every column a family maps actually exists,
// failing startup instead of guessing at request time.
func VerifySchema(ctx context.Context, pool *persistence.Pool, families []*config.Family) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for schema check: %w", err)
	}
	defer pool.Release(ctx, conn)

	for _, fam := range families {
		rows, err := conn.Query(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`,
			fam.Table)
		if err != nil {
			return fmt.Errorf("family %s: enumerate columns of %s: %w", fam.Name, fam.Table, err)
		}
		present := map[string]bool{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("family %s: scan column name: %w", fam.Name, err)
			}
			present[strings.ToLower(name)] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("family %s: enumerate columns: %w", fam.Name, err)
		}
		if len(present) == 0 {
			return fmt.Errorf("family %s: table %s not found", fam.Name, fam.Table)
		}
		for _, col := range fam.Columns() {
			if !present[strings.ToLower(col)] {
				return fmt.Errorf("family %s: column %s missing from %s", fam.Name, col, fam.Table)
			}
		}
	}
	return nil
}

func (s *ticketStore) Exists(ctx context.Context, key string) (bool, error) {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return false, nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(ctx, conn)

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = $1", s.family.Table, s.family.KeyColumn)
	var count int64
	if err := conn.QueryRow(ctx, query, arg).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *ticketStore) GetField(ctx context.Context, key, field string) (*string, error) {
	column, ok := s.family.FieldMap[field]
	if !ok {
		return nil, fmt.Errorf("family %s: unrecognized field %q", s.family.Name, field)
	}
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(ctx, conn)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", column, s.family.Table, s.family.KeyColumn)
	var value *string
	if err := conn.QueryRow(ctx, query, arg).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

func (s *ticketStore) SetFields(ctx context.Context, key string, fields map[string]any) error {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return err
	}
	query, args, skipped, ok := BuildUpdate(s.family, arg, fields)
	if len(skipped) > 0 {
		s.logger.Warn("ignoring unmapped fields",
			zap.String("family", s.family.Name),
			zap.Strings("fields", skipped))
	}
	if !ok {
		return nil
	}
	return s.execInTx(ctx, query, args...)
}

func (s *ticketStore) GetNotes(ctx context.Context, key string) (string, error) {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return "", err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Release(ctx, conn)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		s.family.NotesColumn, s.family.Table, s.family.KeyColumn)
	var notes *string
	if err := conn.QueryRow(ctx, query, arg).Scan(&notes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if notes == nil {
		return "", nil
	}
	return *notes, nil
}

func (s *ticketStore) SetNotes(ctx context.Context, key, notes string) error {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2",
		s.family.Table, s.family.NotesColumn, s.family.KeyColumn)
	return s.execInTx(ctx, query, notes, arg)
}

func (s *ticketStore) Delete(ctx context.Context, key string) error {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.family.Table, s.family.KeyColumn)
	return s.execInTx(ctx, query, arg)
}

// ClaimOwner performs the compare-and-swap claim: the owner column is set
// only when it is currently empty or already holds the same user. The
// returned boolean reports whether a row was updated; zero rows on an
// existing ticket means another user holds it.
func (s *ticketStore) ClaimOwner(ctx context.Context, key, owner, status string) (bool, error) {
	arg, err := KeyArg(s.family, key)
	if err != nil {
		return false, err
	}
	ownerCol := s.family.FieldMap[s.family.OwnerField]
	statusCol := s.family.FieldMap[s.family.StatusField]

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(ctx, conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET %s = $1, %s = $2 WHERE %s = $3 AND (%s IS NULL OR %s = '' OR %s = $1)",
		s.family.Table, ownerCol, statusCol, s.family.KeyColumn, ownerCol, ownerCol, ownerCol)
	tag, err := tx.Exec(ctx, query, owner, status, arg)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IssueID resolves the remote tracker issue for a ticket. Families without a
// dedicated issue column use the ticket key itself as the issue id.
func (s *ticketStore) IssueID(ctx context.Context, key string) (int64, bool, error) {
	if s.family.IssueColumn == "" {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return id, true, nil
	}

	arg, err := KeyArg(s.family, key)
	if err != nil {
		return 0, false, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer s.pool.Release(ctx, conn)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		s.family.IssueColumn, s.family.Table, s.family.KeyColumn)
	var id *int64
	if err := conn.QueryRow(ctx, query, arg).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if id == nil || *id <= 0 {
		return 0, false, nil
	}
	return *id, true, nil
}

// List reads every active ticket, discovering columns at query time so the
// read path tolerates naming drift. Column names are translated back to API
// field names where the family maps them.
func (s *ticketStore) List(ctx context.Context) ([]domain.Ticket, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(ctx, conn)

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", s.family.Table, s.family.KeyColumn)
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reverse := make(map[string]string, len(s.family.FieldMap))
	for field, column := range s.family.FieldMap {
		reverse[strings.ToLower(column)] = field
	}

	var tickets []domain.Ticket
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		ticket := domain.Ticket{}
		for i, fd := range rows.FieldDescriptions() {
			column := strings.ToLower(fd.Name)
			name := column
			if field, ok := reverse[column]; ok {
				name = field
			}
			ticket[name] = values[i]
			if column == strings.ToLower(s.family.KeyColumn) {
				ticket["id"] = fmt.Sprintf("%v", values[i])
			}
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *ticketStore) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(ctx, conn)

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.family.Table)
	if err := conn.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// execInTx runs one statement inside its own transaction.
func (s *ticketStore) execInTx(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(ctx, conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
