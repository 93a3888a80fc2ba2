package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/oberoende/clinic-assistant/internal/appointments"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Service emails clinic staff about new bookings. It implements
// appointments.BookingHook.
type Service struct {
	email      EmailSender
	staff      []string
	clinicName string
	logger     *logging.Logger
}

// NewService creates a notification service. staffEmails is a comma
// separated list; an empty list turns notifications off.
func NewService(email EmailSender, staffEmails, clinicName string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		staff:      ParseRecipients(staffEmails),
		clinicName: clinicName,
		logger:     logger,
	}
}

var _ appointments.BookingHook = (*Service)(nil)

// AppointmentBooked sends the staff notification for a committed appointment.
func (s *Service) AppointmentBooked(ctx context.Context, appt *appointments.Appointment) error {
	if s.email == nil || len(s.staff) == 0 {
		s.logger.Debug("notify: staff email not configured, skipping notification")
		return nil
	}
	if appt == nil {
		return nil
	}

	fields := bookingFields(appt)
	msg := EmailMessage{
		To:      s.staff,
		Subject: fmt.Sprintf("Nueva cita: %s el %s", appt.PatientName, appt.Start()),
		Text:    bookingText(fields),
		HTML:    bookingHTML(s.clinicName, fields),
	}
	if err := s.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: booking email: %w", err)
	}
	s.logger.Info("notify: staff booking email sent", "appointment_id", appt.ID, "recipients", len(s.staff))
	return nil
}

type field struct{ label, value string }

func bookingFields(appt *appointments.Appointment) []field {
	return []field{
		{"Paciente", appt.PatientName},
		{"Teléfono", appt.PatientPhone},
		{"Servicio", appt.ServiceType},
		{"Fecha", appt.Start()},
		{"Duración", fmt.Sprintf("%d minutos", appt.DurationMin)},
		{"ID de cita", fmt.Sprintf("%d", appt.ID)},
	}
}

func bookingText(fields []field) string {
	var b strings.Builder
	b.WriteString("Se agendó una nueva cita por WhatsApp.\n\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
	}
	return b.String()
}

func bookingHTML(clinicName string, fields []field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2><p>Se agendó una nueva cita por WhatsApp.</p><table>", html.EscapeString(clinicName))
	for _, f := range fields {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td>%s</td></tr>", html.EscapeString(f.label), html.EscapeString(f.value))
	}
	b.WriteString("</table>")
	return b.String()
}
