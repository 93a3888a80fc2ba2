package appointments

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment. Cancellation is a status
// transition; records are never hard-deleted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCanceled  Status = "canceled"
	StatusNoShow    Status = "no_show"
)

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusConfirmed, StatusCanceled, StatusNoShow:
		return s, nil
	default:
		return "", ErrInvalidStatus
	}
}

// Active reports whether the appointment occupies its slot.
func (s Status) Active() bool {
	return s != StatusCanceled
}

// DefaultDurationMinutes is the length of one booking slot.
const DefaultDurationMinutes = 30

// Appointment is a persisted booking. Date is YYYY-MM-DD and Time HH:MM:SS.
type Appointment struct {
	ID           int64     `json:"id"`
	PatientName  string    `json:"patient_name"`
	PatientPhone string    `json:"patient_phone"`
	ServiceType  string    `json:"service_type"`
	Date         string    `json:"date"`
	Time         string    `json:"time"`
	DurationMin  int       `json:"duration_min"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Start returns "YYYY-MM-DD HH:MM" for display.
func (a *Appointment) Start() string {
	t := a.Time
	if len(t) >= 5 {
		t = t[:5]
	}
	return a.Date + " " + t
}

func (a *Appointment) clone() *Appointment {
	c := *a
	return &c
}

// CreateRequest is the REST payload for POST /appointments.
type CreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Service string `json:"service"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

// CommitRequest is what the chat flow hands over once every slot is filled.
type CommitRequest struct {
	PatientName string
	Provider    string
	Date        string
	Time        string
	DurationMin int
	Reason      string
	Contact     string
}

// UpdateRequest is the REST payload for PUT /appointments/{id}. Nil fields
// are left untouched.
type UpdateRequest struct {
	Status *string `json:"status,omitempty"`
	Date   *string `json:"date,omitempty"`
	Time   *string `json:"time,omitempty"`
}
