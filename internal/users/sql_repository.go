package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLRepository stores usuarios through database/sql (lib/pq driver).
type SQLRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(db *sql.DB) *SQLRepository {
	if db == nil {
		panic("users: sql db required")
	}
	return &SQLRepository{db: db}
}

// GetOrCreate inserts the number if unseen; concurrent first messages from
// the same number resolve to the same row.
func (r *SQLRepository) GetOrCreate(ctx context.Context, numero string) (*Usuario, error) {
	var u Usuario
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO usuarios (numero_whatsapp)
		VALUES ($1)
		ON CONFLICT (numero_whatsapp) DO UPDATE SET numero_whatsapp = EXCLUDED.numero_whatsapp
		RETURNING id, numero_whatsapp, nombre, fecha_creacion, primer_contacto`, numero).
		Scan(&u.ID, &u.NumeroWhatsApp, &u.Nombre, &u.FechaCreacion, &u.PrimerContacto)
	if err != nil {
		return nil, fmt.Errorf("users: get or create: %w", err)
	}
	return &u, nil
}

func (r *SQLRepository) GetByNumber(ctx context.Context, numero string) (*Usuario, error) {
	var u Usuario
	err := r.db.QueryRowContext(ctx, `
		SELECT id, numero_whatsapp, nombre, fecha_creacion, primer_contacto
		FROM usuarios WHERE numero_whatsapp = $1`, numero).
		Scan(&u.ID, &u.NumeroWhatsApp, &u.Nombre, &u.FechaCreacion, &u.PrimerContacto)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: select: %w", err)
	}
	return &u, nil
}

func (r *SQLRepository) MarkGreeted(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE usuarios SET primer_contacto = FALSE WHERE id = $1`, id)
}

func (r *SQLRepository) SetName(ctx context.Context, id int64, nombre string) error {
	return r.exec(ctx, `UPDATE usuarios SET nombre = $2 WHERE id = $1`, id, nombre)
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("users: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("users: update: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
