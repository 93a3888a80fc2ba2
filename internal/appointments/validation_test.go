package appointments

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSlot(t *testing.T) {
	today := time.Date(2030, 5, 15, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		date    string
		clock   string
		want    string
		wantErr error
	}{
		{"opening boundary", "2030-05-16", "09:00:00", "09:00:00", nil},
		{"closing boundary", "2030-05-16", "19:00:00", "19:00:00", nil},
		{"half hour", "2030-05-16", "10:30:00", "10:30:00", nil},
		{"short form", "2030-05-16", "15:00", "15:00:00", nil},
		{"same day", "2030-05-15", "11:00:00", "11:00:00", nil},
		{"before opening", "2030-05-16", "08:30:00", "", ErrOutsideHours},
		{"after closing", "2030-05-16", "19:30:00", "", ErrOutsideHours},
		{"off grid", "2030-05-16", "10:15:00", "", ErrNotOnGrid},
		{"seconds off grid", "2030-05-16", "10:30:15", "", ErrNotOnGrid},
		{"past date", "2030-05-14", "10:00:00", "", ErrPastDate},
		{"bad date", "16/05/2030", "10:00:00", "", ErrInvalidDate},
		{"bad time", "2030-05-16", "3pm", "", ErrInvalidTime},
		{"date checked before time", "2030-05-14", "08:00:00", "", ErrPastDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validateSlot(tc.date, tc.clock, today)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected error to wrap ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"pending", "Confirmed", " canceled ", "no_show"} {
		if _, err := ParseStatus(raw); err != nil {
			t.Fatalf("expected %q to be valid: %v", raw, err)
		}
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(ErrOutsideHours); got != "Hora fuera del horario de atención" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := UserMessage(errors.Join(errors.New("insert"), ErrConflict)); got != "Ya hay una cita en ese horario" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := UserMessage(errors.New("db down")); got != "No se pudo procesar la cita" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
