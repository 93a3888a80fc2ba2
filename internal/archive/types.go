package archive

import "time"

// BookingRecord is the archived copy of a committed appointment. The phone
// number is stored hashed.
type BookingRecord struct {
	Version       string    `json:"version"`
	AppointmentID int64     `json:"appointment_id"`
	PatientName   string    `json:"patient_name"`
	PhoneHash     string    `json:"phone_hash"`
	ServiceType   string    `json:"service_type"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	DurationMin   int       `json:"duration_min"`
	Status        string    `json:"status"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// ManifestEntry is one line of the monthly JSONL manifest.
type ManifestEntry struct {
	AppointmentID int64  `json:"appointment_id"`
	S3Key         string `json:"s3_key"`
	Date          string `json:"date"`
	ArchivedAt    string `json:"archived_at"`
}

const recordVersion = "1.0"
