package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE raised by
// appointments_active_slot_idx when a slot is double-booked.
const uniqueViolation = "23505"

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores appointments in the relational database. The
// partial unique index on (date, time) WHERE status <> 'canceled' is the
// authority for slot uniqueness.
type PostgresRepository struct {
	pool rowQuerier
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

func newPostgresRepositoryWithQuerier(q rowQuerier) *PostgresRepository {
	if q == nil {
		panic("appointments: querier required")
	}
	return &PostgresRepository{pool: q}
}

const selectColumns = `id, patient_name, patient_phone, service_type,
		to_char(date, 'YYYY-MM-DD'), to_char(time, 'HH24:MI:SS'),
		duration_min, status, created_at, updated_at`

func (r *PostgresRepository) Insert(ctx context.Context, appt *Appointment) (*Appointment, error) {
	query := `
		INSERT INTO appointments (patient_name, patient_phone, service_type, date, time, duration_min, status)
		VALUES ($1, $2, $3, $4::date, $5::time, $6, $7)
		RETURNING ` + selectColumns
	row := r.pool.QueryRow(ctx, query,
		appt.PatientName,
		appt.PatientPhone,
		appt.ServiceType,
		appt.Date,
		appt.Time,
		appt.DurationMin,
		string(appt.Status),
	)
	stored, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("appointments: insert failed: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) Update(ctx context.Context, appt *Appointment) (*Appointment, error) {
	query := `
		UPDATE appointments
		SET date = $2::date, time = $3::time, status = $4, updated_at = now()
		WHERE id = $1
		RETURNING ` + selectColumns
	row := r.pool.QueryRow(ctx, query, appt.ID, appt.Date, appt.Time, string(appt.Status))
	stored, err := scanAppointment(row)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrNotFound
		case isUniqueViolation(err):
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("appointments: update failed: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	query := `SELECT ` + selectColumns + ` FROM appointments WHERE id = $1`
	stored, err := scanAppointment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: select failed: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) FindActiveAt(ctx context.Context, date, clock string) (*Appointment, error) {
	query := `SELECT ` + selectColumns + `
		FROM appointments
		WHERE date = $1::date AND time = $2::time AND status <> 'canceled'
		LIMIT 1`
	stored, err := scanAppointment(r.pool.QueryRow(ctx, query, date, clock))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: slot lookup failed: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) ListByDate(ctx context.Context, date string) ([]*Appointment, error) {
	query := `SELECT ` + selectColumns + `
		FROM appointments
		WHERE date = $1::date
		ORDER BY time, id`
	rows, err := r.pool.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("appointments: list failed: %w", err)
	}
	defer rows.Close()

	out := make([]*Appointment, 0)
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan failed: %w", err)
		}
		out = append(out, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: list failed: %w", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var appt Appointment
	var status string
	if err := row.Scan(
		&appt.ID,
		&appt.PatientName,
		&appt.PatientPhone,
		&appt.ServiceType,
		&appt.Date,
		&appt.Time,
		&appt.DurationMin,
		&status,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	appt.Status = Status(status)
	return &appt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
