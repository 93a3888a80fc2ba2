package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

var appointmentsTracer = otel.Tracer("clinic.internal.appointments")

// BookingHook is notified after an appointment is committed. Hooks are best
// effort; their failures are logged and never undo the booking.
type BookingHook interface {
	AppointmentBooked(ctx context.Context, appt *Appointment) error
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the clock and clinic location used for "today".
func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithBookingHooks registers post-commit hooks.
func WithBookingHooks(hooks ...BookingHook) Option {
	return func(s *Service) {
		for _, h := range hooks {
			if h != nil {
				s.hooks = append(s.hooks, h)
			}
		}
	}
}

// WithMetrics records commit outcomes.
func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service validates and persists appointments. The conflict pre-check only
// produces a friendly error early; the repository constraint is authoritative.
type Service struct {
	repo    Repository
	now     func() time.Time
	loc     *time.Location
	hooks   []BookingHook
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

// NewService constructs an appointments service.
func NewService(repo Repository, logger *logging.Logger, opts ...Option) *Service {
	if repo == nil {
		panic("appointments: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		repo:   repo,
		now:    time.Now,
		loc:    time.UTC,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) today() time.Time {
	return s.now().In(s.loc)
}

// Create validates and inserts a new pending appointment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.create")
	defer span.End()

	appt, err := s.create(ctx, req, DefaultDurationMinutes)
	s.metrics.ObserveCommit("create", resultLabel(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("clinic.appointment_id", appt.ID))
	return appt, nil
}

// Commit books the appointment collected by the chat flow. Provider and
// reason are folded into the service type.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.commit")
	defer span.End()

	if strings.TrimSpace(req.Provider) == "" {
		s.metrics.ObserveCommit("commit", resultLabel(ErrMissingFields))
		return nil, ErrMissingFields
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Consulta general"
	}
	duration := req.DurationMin
	if duration <= 0 {
		duration = DefaultDurationMinutes
	}

	appt, err := s.create(ctx, CreateRequest{
		Name:    req.PatientName,
		Phone:   req.Contact,
		Service: fmt.Sprintf("%s con %s", reason, strings.TrimSpace(req.Provider)),
		Date:    req.Date,
		Time:    req.Time,
	}, duration)
	s.metrics.ObserveCommit("commit", resultLabel(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("clinic.appointment_id", appt.ID))
	return appt, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest, duration int) (*Appointment, error) {
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	service := strings.TrimSpace(req.Service)
	if name == "" || phone == "" || service == "" || strings.TrimSpace(req.Date) == "" || strings.TrimSpace(req.Time) == "" {
		return nil, ErrMissingFields
	}

	date := strings.TrimSpace(req.Date)
	clock, err := validateSlot(date, req.Time, s.today())
	if err != nil {
		return nil, err
	}

	if err := s.ensureSlotFree(ctx, date, clock, 0); err != nil {
		return nil, err
	}

	appt, err := s.repo.Insert(ctx, &Appointment{
		PatientName:  name,
		PatientPhone: phone,
		ServiceType:  service,
		Date:         date,
		Time:         clock,
		DurationMin:  duration,
		Status:       StatusPending,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("appointments: create: %w", err)
	}

	s.logger.Info("appointment created", "appointment_id", appt.ID, "date", appt.Date, "time", appt.Time)
	s.runHooks(ctx, appt)
	return appt, nil
}

// Update applies a status change and/or a reschedule. A status-only update
// never consults the conflict pre-check.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*Appointment, error) {
	ctx, span := appointmentsTracer.Start(ctx, "appointments.update")
	defer span.End()
	span.SetAttributes(attribute.Int64("clinic.appointment_id", id))

	appt, err := s.update(ctx, id, req)
	s.metrics.ObserveCommit("update", resultLabel(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return appt, nil
}

func (s *Service) update(ctx context.Context, id int64, req UpdateRequest) (*Appointment, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status == nil && req.Date == nil && req.Time == nil {
		return nil, ErrEmptyUpdate
	}

	next := existing.clone()
	if req.Status != nil {
		status, err := ParseStatus(*req.Status)
		if err != nil {
			return nil, err
		}
		next.Status = status
	}

	if (req.Date == nil) != (req.Time == nil) {
		return nil, ErrIncompleteReschedule
	}
	if req.Date != nil {
		date := strings.TrimSpace(*req.Date)
		clock, err := validateSlot(date, *req.Time, s.today())
		if err != nil {
			return nil, err
		}
		next.Date = date
		next.Time = clock
		if next.Status.Active() {
			if err := s.ensureSlotFree(ctx, next.Date, next.Time, next.ID); err != nil {
				return nil, err
			}
		}
	}

	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("appointments: update: %w", err)
	}
	s.logger.Info("appointment updated", "appointment_id", updated.ID, "status", updated.Status, "date", updated.Date, "time", updated.Time)
	return updated, nil
}

// Get returns one appointment.
func (s *Service) Get(ctx context.Context, id int64) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByDate returns every appointment for a date, canceled ones included.
func (s *Service) ListByDate(ctx context.Context, date string) ([]*Appointment, error) {
	if _, err := time.Parse(dateLayout, strings.TrimSpace(date)); err != nil {
		return nil, ErrInvalidDate
	}
	return s.repo.ListByDate(ctx, strings.TrimSpace(date))
}

func (s *Service) ensureSlotFree(ctx context.Context, date, clock string, selfID int64) error {
	holder, err := s.repo.FindActiveAt(ctx, date, clock)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("appointments: conflict check: %w", err)
	case holder.ID != selfID:
		return ErrConflict
	}
	return nil
}

func (s *Service) runHooks(ctx context.Context, appt *Appointment) {
	for _, hook := range s.hooks {
		if err := hook.AppointmentBooked(ctx, appt); err != nil {
			s.logger.Warn("booking hook failed", "appointment_id", appt.ID, "hook", fmt.Sprintf("%T", hook), "error", err)
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
