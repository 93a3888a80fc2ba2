package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Service resolves the contact behind an inbound message and decides
// whether the reply opens with a greeting.
type Service struct {
	repo   Repository
	logger *logging.Logger
}

func NewService(repo Repository, logger *logging.Logger) *Service {
	if repo == nil {
		panic("users: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Greet loads or creates the usuario and returns the greeting prefix for the
// first contact only ("Hola {nombre}," or "Hola,"). Later calls return "".
func (s *Service) Greet(ctx context.Context, numero string) (string, *Usuario, error) {
	u, err := s.repo.GetOrCreate(ctx, numero)
	if err != nil {
		return "", nil, err
	}
	if !u.PrimerContacto {
		return "", u, nil
	}

	greeting := "Hola,"
	if u.Nombre != nil && strings.TrimSpace(*u.Nombre) != "" {
		greeting = fmt.Sprintf("Hola %s,", strings.TrimSpace(*u.Nombre))
	}
	if err := s.repo.MarkGreeted(ctx, u.ID); err != nil {
		return "", u, err
	}
	u.PrimerContacto = false
	return greeting, u, nil
}

// RememberName stores the patient name given during a booking when the
// usuario has none yet.
func (s *Service) RememberName(ctx context.Context, u *Usuario, nombre string) {
	nombre = strings.TrimSpace(nombre)
	if u == nil || nombre == "" || (u.Nombre != nil && *u.Nombre != "") {
		return
	}
	if err := s.repo.SetName(ctx, u.ID, nombre); err != nil {
		s.logger.Warn("failed to store usuario name", "usuario_id", u.ID, "error", err)
	}
}

// Profile returns the usuario for a number.
func (s *Service) Profile(ctx context.Context, numero string) (*Usuario, error) {
	return s.repo.GetByNumber(ctx, numero)
}
