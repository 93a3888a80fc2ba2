package appointments

import "errors"

// ErrValidation is wrapped by every business-rule violation.
var ErrValidation = errors.New("appointments: validation failed")

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return "appointments: " + e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }

var (
	ErrMissingFields        error = &validationError{"missing required fields"}
	ErrInvalidDate          error = &validationError{"invalid date format"}
	ErrPastDate             error = &validationError{"date is in the past"}
	ErrInvalidTime          error = &validationError{"invalid time format"}
	ErrOutsideHours         error = &validationError{"time outside operating hours"}
	ErrNotOnGrid            error = &validationError{"time not on 30 minute grid"}
	ErrInvalidStatus        error = &validationError{"invalid status"}
	ErrIncompleteReschedule error = &validationError{"date and time must be changed together"}
	ErrEmptyUpdate          error = &validationError{"nothing to update"}

	// ErrConflict means another active appointment already holds the slot.
	ErrConflict = errors.New("appointments: slot already booked")

	// ErrNotFound is returned for unknown appointment ids.
	ErrNotFound = errors.New("appointments: not found")
)

var userMessages = map[error]string{
	ErrMissingFields:        "Faltan datos requeridos",
	ErrInvalidDate:          "Formato de fecha inválido, use YYYY-MM-DD",
	ErrPastDate:             "No se puede reservar para fechas pasadas",
	ErrInvalidTime:          "Formato de hora inválido, use HH:MM:SS",
	ErrOutsideHours:         "Hora fuera del horario de atención",
	ErrNotOnGrid:            "La cita debe ser en intervalos de 30 minutos",
	ErrInvalidStatus:        "Estado inválido, use pending, confirmed, canceled o no_show",
	ErrIncompleteReschedule: "Para reprogramar envíe fecha y hora juntas",
	ErrEmptyUpdate:          "No hay cambios para aplicar",
	ErrConflict:             "Ya hay una cita en ese horario",
	ErrNotFound:             "Cita no encontrada",
}

// UserMessage returns the Spanish text shown to patients and API callers for
// a service error.
func UserMessage(err error) string {
	for target, msg := range userMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return "No se pudo procesar la cita"
}
