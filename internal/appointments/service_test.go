package appointments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serviceNow = time.Date(2030, 5, 15, 8, 0, 0, 0, time.UTC)

func newTestService(repo Repository, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return serviceNow }, time.UTC)}, opts...)
	return NewService(repo, nil, opts...)
}

func validCreate(clock string) CreateRequest {
	return CreateRequest{Name: "Ana Torres", Phone: "+51999111222", Service: "Limpieza", Date: "2030-05-16", Time: clock}
}

func TestServiceCreate_BoundariesAndGrid(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	ctx := context.Background()

	for _, clock := range []string{"09:00:00", "19:00:00", "10:30:00"} {
		appt, err := svc.Create(ctx, validCreate(clock))
		require.NoError(t, err, clock)
		assert.Equal(t, StatusPending, appt.Status)
		assert.Equal(t, clock, appt.Time)
	}
	for clock, want := range map[string]error{
		"08:30:00": ErrOutsideHours,
		"19:30:00": ErrOutsideHours,
		"10:15:00": ErrNotOnGrid,
	} {
		_, err := svc.Create(ctx, validCreate(clock))
		assert.ErrorIs(t, err, want, clock)
		assert.ErrorIs(t, err, ErrValidation, clock)
	}
}

func TestServiceCreate_ValidationOrder(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Name: "Ana", Date: "2030-05-16", Time: "10:00:00"})
	assert.ErrorIs(t, err, ErrMissingFields)

	req := validCreate("08:15:00")
	req.Date = "2030-05-01"
	_, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrPastDate)

	req.Date = "not-a-date"
	_, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestServiceCreate_ConflictIgnoresCanceled(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	ctx := context.Background()

	first, err := svc.Create(ctx, validCreate("11:00:00"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, validCreate("11:00:00"))
	assert.ErrorIs(t, err, ErrConflict)

	canceled := string(StatusCanceled)
	_, err = svc.Update(ctx, first.ID, UpdateRequest{Status: &canceled})
	require.NoError(t, err)

	_, err = svc.Create(ctx, validCreate("11:00:00"))
	assert.NoError(t, err)
}

// racingRepo lets both callers pass the pre-check before either inserts.
type racingRepo struct {
	*InMemoryRepository
	barrier sync.WaitGroup
}

func (r *racingRepo) FindActiveAt(ctx context.Context, date, clock string) (*Appointment, error) {
	appt, err := r.InMemoryRepository.FindActiveAt(ctx, date, clock)
	r.barrier.Done()
	r.barrier.Wait()
	return appt, err
}

func TestServiceCommit_ConcurrentSameSlotExactlyOneWins(t *testing.T) {
	repo := &racingRepo{InMemoryRepository: NewInMemoryRepository()}
	repo.barrier.Add(2)
	svc := newTestService(repo)

	var wg sync.WaitGroup
	var ok, conflicts int32
	for _, name := range []string{"Juan Pérez", "María López"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := svc.Commit(context.Background(), CommitRequest{
				PatientName: name, Provider: "Dr. García", Date: "2030-05-16", Time: "15:00",
				DurationMin: 30, Contact: "whatsapp:+51999",
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(name)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(1), conflicts)
	list, err := repo.ListByDate(context.Background(), "2030-05-16")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestServiceCommit_BuildsServiceType(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	appt, err := svc.Commit(context.Background(), CommitRequest{
		PatientName: "Juan Pérez", Provider: "Dr. García", Date: "2030-05-16", Time: "15:00",
		Contact: "whatsapp:+51999",
	})
	require.NoError(t, err)
	assert.Equal(t, "Consulta general con Dr. García", appt.ServiceType)
	assert.Equal(t, "15:00:00", appt.Time)
	assert.Equal(t, DefaultDurationMinutes, appt.DurationMin)
	assert.Equal(t, "2030-05-16 15:00", appt.Start())

	_, err = svc.Commit(context.Background(), CommitRequest{PatientName: "Juan", Date: "2030-05-16", Time: "15:00", Contact: "x"})
	assert.ErrorIs(t, err, ErrMissingFields)
}

// countingRepo records how often the conflict pre-check runs.
type countingRepo struct {
	*InMemoryRepository
	finds int32
}

func (r *countingRepo) FindActiveAt(ctx context.Context, date, clock string) (*Appointment, error) {
	atomic.AddInt32(&r.finds, 1)
	return r.InMemoryRepository.FindActiveAt(ctx, date, clock)
}

func TestServiceUpdate_StatusOnlySkipsConflictCheck(t *testing.T) {
	repo := &countingRepo{InMemoryRepository: NewInMemoryRepository()}
	svc := newTestService(repo)
	ctx := context.Background()

	appt, err := svc.Create(ctx, validCreate("12:00:00"))
	require.NoError(t, err)
	before := atomic.LoadInt32(&repo.finds)

	confirmed := "confirmed"
	updated, err := svc.Update(ctx, appt.ID, UpdateRequest{Status: &confirmed})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Equal(t, before, atomic.LoadInt32(&repo.finds))
}

func TestServiceUpdate_Reschedule(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	ctx := context.Background()

	a, err := svc.Create(ctx, validCreate("12:00:00"))
	require.NoError(t, err)
	b, err := svc.Create(ctx, validCreate("13:00:00"))
	require.NoError(t, err)

	date, clock := "2030-05-16", "12:00:00"
	// Rescheduling onto its own slot is not a conflict.
	_, err = svc.Update(ctx, a.ID, UpdateRequest{Date: &date, Time: &clock})
	require.NoError(t, err)

	_, err = svc.Update(ctx, b.ID, UpdateRequest{Date: &date, Time: &clock})
	assert.ErrorIs(t, err, ErrConflict)

	clock = "14:00"
	moved, err := svc.Update(ctx, b.ID, UpdateRequest{Date: &date, Time: &clock})
	require.NoError(t, err)
	assert.Equal(t, "14:00:00", moved.Time)

	_, err = svc.Update(ctx, b.ID, UpdateRequest{Date: &date})
	assert.ErrorIs(t, err, ErrIncompleteReschedule)

	bad := "19:30:00"
	_, err = svc.Update(ctx, b.ID, UpdateRequest{Date: &date, Time: &bad})
	assert.ErrorIs(t, err, ErrOutsideHours)

	status := "done"
	_, err = svc.Update(ctx, b.ID, UpdateRequest{Status: &status})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Update(ctx, b.ID, UpdateRequest{})
	assert.ErrorIs(t, err, ErrEmptyUpdate)

	_, err = svc.Update(ctx, 999, UpdateRequest{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingHook struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (h *recordingHook) AppointmentBooked(ctx context.Context, appt *Appointment) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, appt.ID)
	return h.err
}

func TestServiceHooks_BestEffort(t *testing.T) {
	failing := &recordingHook{err: errors.New("smtp down")}
	ok := &recordingHook{}
	svc := newTestService(NewInMemoryRepository(), WithBookingHooks(failing, nil, ok))

	appt, err := svc.Create(context.Background(), validCreate("16:00:00"))
	require.NoError(t, err)
	assert.Equal(t, []int64{appt.ID}, failing.calls)
	assert.Equal(t, []int64{appt.ID}, ok.calls)
}

func TestServiceListByDate(t *testing.T) {
	svc := newTestService(NewInMemoryRepository())
	ctx := context.Background()
	_, _ = svc.Create(ctx, validCreate("15:00:00"))
	_, _ = svc.Create(ctx, validCreate("09:30:00"))

	list, err := svc.ListByDate(ctx, "2030-05-16")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "09:30:00", list[0].Time)

	_, err = svc.ListByDate(ctx, "mañana")
	assert.ErrorIs(t, err, ErrInvalidDate)
}
