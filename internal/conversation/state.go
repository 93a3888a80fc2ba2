package conversation

import (
	"strings"
	"time"
)

// Phase is the tagged variant of a conversation's booking flow.
type Phase string

const (
	// PhaseNoActiveFlow means the next message is classified from scratch.
	PhaseNoActiveFlow Phase = "no_active_flow"
	// PhaseCollecting means at least one required slot is missing or not yet canonical.
	PhaseCollecting Phase = "collecting"
	// PhaseReadyToCommit means every slot is filled and canonical; the draft
	// is handed to the booking committer within the same turn.
	PhaseReadyToCommit Phase = "ready_to_commit"
)

// requiredSlots is the fixed order in which missing slots are requested.
var requiredSlots = []string{SlotPatientName, SlotProvider, SlotDate, SlotTime, SlotReason}

// State is the per-identity dialogue state persisted between turns.
type State struct {
	Intent    Intent            `json:"intent,omitempty" dynamodbav:"intent,omitempty"`
	Phase     Phase             `json:"phase" dynamodbav:"phase"`
	Slots     map[string]string `json:"slots,omitempty" dynamodbav:"slots,omitempty"`
	Pending   string            `json:"pending,omitempty" dynamodbav:"pending,omitempty"`
	UpdatedAt time.Time         `json:"updated_at" dynamodbav:"updatedAt"`
}

// NewState returns an empty NoActiveFlow state.
func NewState() State {
	return State{Phase: PhaseNoActiveFlow, Slots: map[string]string{}}
}

// Active reports whether a multi-turn flow is in progress.
func (s State) Active() bool {
	return s.Phase == PhaseCollecting || s.Phase == PhaseReadyToCommit
}

// Clone returns a deep copy so callers never share the slot map.
func (s State) Clone() State {
	out := s
	out.Slots = make(map[string]string, len(s.Slots))
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	return out
}

// Merge overwrites slots with every usable extracted value. Null, "null" and
// blank values never clear an existing slot. It reports whether any slot changed.
func (s *State) Merge(entities map[string]*string) bool {
	if s.Slots == nil {
		s.Slots = map[string]string{}
	}
	changed := false
	for slot, value := range entities {
		if !usableValue(value) {
			continue
		}
		v := strings.TrimSpace(*value)
		if s.Slots[slot] != v {
			s.Slots[slot] = v
			changed = true
		}
	}
	return changed
}

// Set assigns a single slot, ignoring blank values.
func (s *State) Set(slot, value string) {
	if s.Slots == nil {
		s.Slots = map[string]string{}
	}
	if v := strings.TrimSpace(value); v != "" {
		s.Slots[slot] = v
	}
}

// ClearSlot removes a slot so it is asked again.
func (s *State) ClearSlot(slot string) {
	delete(s.Slots, slot)
}

// MissingSlot returns the first unfilled slot in the given order.
func (s State) MissingSlot(order []string) (string, bool) {
	for _, slot := range order {
		if strings.TrimSpace(s.Slots[slot]) == "" {
			return slot, true
		}
	}
	return "", false
}

// Draft is the appointment derived from a complete, canonical slot set.
type Draft struct {
	PatientName string
	Provider    string
	Date        string
	Time        string
	Reason      string
}

// Draft builds the appointment draft once every required slot is present and
// date and time are canonical.
func (s State) Draft() (Draft, bool) {
	if _, missing := s.MissingSlot(requiredSlots); missing {
		return Draft{}, false
	}
	d := Draft{
		PatientName: s.Slots[SlotPatientName],
		Provider:    s.Slots[SlotProvider],
		Date:        s.Slots[SlotDate],
		Time:        s.Slots[SlotTime],
		Reason:      s.Slots[SlotReason],
	}
	if !isCanonicalDate(d.Date) || !isCanonicalTime(d.Time) {
		return Draft{}, false
	}
	return d, true
}

func usableValue(v *string) bool {
	if v == nil {
		return false
	}
	trimmed := strings.TrimSpace(*v)
	return trimmed != "" && !strings.EqualFold(trimmed, "null")
}

func isCanonicalDate(v string) bool {
	if !isoDatePattern.MatchString(v) {
		return false
	}
	_, err := time.Parse(dateLayout, v)
	return err == nil
}

func isCanonicalTime(v string) bool {
	if len(v) != len(timeLayout) {
		return false
	}
	_, err := time.Parse(timeLayout, v)
	return err == nil
}
