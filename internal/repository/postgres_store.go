package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
)

// pgQueries binds every repository to one Querier.
type pgQueries struct {
	*FlowRepository
	*InstanceRepository
	*ActionRepository
	*OutboxRepository
}

func newPGQueries(q database.Querier) *pgQueries {
	return &pgQueries{
		FlowRepository:     NewFlowRepository(q),
		InstanceRepository: NewInstanceRepository(q),
		ActionRepository:   NewActionRepository(q),
		OutboxRepository:   NewOutboxRepository(q),
	}
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ StaffReader = (*PostgresStore)(nil)
)

// PostgresStore implements Store and StaffReader on PostgreSQL.
type PostgresStore struct {
	db    *database.DB
	staff *StaffRepository
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, staff: NewStaffRepository(db)}
}

// InTx runs fn inside a READ COMMITTED transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newPGQueries(tx))
	})
}

// Read runs fn against the pool.
func (s *PostgresStore) Read(ctx context.Context, fn func(q Queries) error) error {
	return fn(newPGQueries(s.db))
}

// GetStaff reads the staff directory.
func (s *PostgresStore) GetStaff(ctx context.Context, id string) (*Staff, error) {
	return s.staff.GetStaff(ctx, id)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
