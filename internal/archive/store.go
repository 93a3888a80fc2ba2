package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/oberoende/clinic-assistant/internal/appointments"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives committed appointments to S3. It implements
// appointments.BookingHook.
type Store struct {
	bucket   string
	s3Client S3API
	now      func() time.Time
	logger   *logging.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, now: time.Now, logger: logger}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

var _ appointments.BookingHook = (*Store)(nil)

// AppointmentBooked writes the appointment as JSON and appends it to the
// monthly manifest.
func (s *Store) AppointmentBooked(ctx context.Context, appt *appointments.Appointment) error {
	if !s.Enabled() || appt == nil {
		return nil
	}

	now := s.now().UTC()
	record := BookingRecord{
		Version:       recordVersion,
		AppointmentID: appt.ID,
		PatientName:   appt.PatientName,
		PhoneHash:     HashPhone(appt.PatientPhone),
		ServiceType:   ScrubPII(appt.ServiceType),
		Date:          appt.Date,
		Time:          appt.Time,
		DurationMin:   appt.DurationMin,
		Status:        string(appt.Status),
		ArchivedAt:    now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	key := fmt.Sprintf("appointments/v1/by-date/%s/%d-%s.json", dateFolder(appt.Date, now), appt.ID, uuid.NewString())
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Info("archived appointment to S3", "appointment_id", appt.ID, "s3_key", key)

	entry := ManifestEntry{
		AppointmentID: appt.ID,
		S3Key:         key,
		Date:          appt.Date,
		ArchivedAt:    now.Format(time.RFC3339),
	}
	if err := s.appendManifest(ctx, entry, now); err != nil {
		s.logger.Warn("failed to append manifest", "error", err, "appointment_id", appt.ID)
	}
	return nil
}

// appendManifest does a read-modify-write of the monthly JSONL manifest.
func (s *Store) appendManifest(ctx context.Context, entry ManifestEntry, now time.Time) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	manifestKey := fmt.Sprintf("appointments/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}

// dateFolder turns YYYY-MM-DD into YYYY/MM/DD, falling back to the archive day.
func dateFolder(date string, now time.Time) string {
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.Format("2006/01/02")
	}
	return now.Format("2006/01/02")
}
