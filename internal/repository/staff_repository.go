package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
)

// StaffRepository reads the HR-owned staff tables. The engine never writes them.
type StaffRepository struct {
	q database.Querier
}

// NewStaffRepository creates a StaffRepository.
func NewStaffRepository(q database.Querier) *StaffRepository {
	return &StaffRepository{q: q}
}

// GetStaff returns a staff member with their role codes.
func (r *StaffRepository) GetStaff(ctx context.Context, id string) (*Staff, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("staff", id)
	}

	query := `
		SELECT s.id, s.full_name, s.branch_id, s.region_id, s.department_id,
		       s.position_id, s.manager_id,
		       COALESCE(array_agg(a.role_code) FILTER (WHERE a.role_code IS NOT NULL), '{}')
		FROM staff_directory s
		LEFT JOIN staff_role_assignments a ON a.staff_id = s.id
		WHERE s.id = $1
		GROUP BY s.id
	`
	st := &Staff{}
	err := r.q.QueryRow(ctx, query, id).Scan(
		&st.ID,
		&st.FullName,
		&st.Branch,
		&st.Region,
		&st.Department,
		&st.Position,
		&st.ManagerID,
		&st.RoleCodes,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("staff", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get staff")
	}
	return st, nil
}
