package conversation

import "time"

// ClinicLocation returns the *time.Location for a clinic timezone string.
// Falls back to UTC if the timezone is invalid or empty.
func ClinicLocation(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

var spanishWeekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

func spanishWeekday(d time.Weekday) string {
	return spanishWeekdays[d]
}
