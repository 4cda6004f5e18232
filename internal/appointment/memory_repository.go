package appointment

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

const slotShards = 64

type slotKey struct {
	date string
	slot calendar.Clock
}

func (k slotKey) shard() int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.date))
	_, _ = h.Write([]byte{byte(k.slot >> 8), byte(k.slot)})
	return int(h.Sum32() % slotShards)
}

// MemoryRepository keeps everything in process.
//
// Slot claims are serialized per (date, slot) shard; mu only guards the maps
// for the length of a lookup or an in-place update. Change events are queued
// in commit order while mu is held and handed to the sink by a single
// goroutine, so a slow sink never holds up a write.
type MemoryRepository struct {
	slotLocks [slotShards]sync.Mutex

	mu           sync.RWMutex
	now          func() time.Time
	seq          int64
	lastWrite    time.Time
	patients     map[uuid.UUID]*Patient
	patientByKey map[string]uuid.UUID
	appointments map[uuid.UUID]*Appointment
	activeSlots  map[slotKey]uuid.UUID

	sink      EventSink
	logger    *logging.Logger
	outMu     sync.Mutex
	outbox    []Event
	closing   bool
	wake      chan struct{}
	delivered chan struct{}
	closeOnce sync.Once
}

// NewMemoryRepository starts the event delivery goroutine when sink is set.
// Call Close to flush queued events and stop it.
func NewMemoryRepository(sink EventSink, logger *logging.Logger) *MemoryRepository {
	if logger == nil {
		logger = logging.Default()
	}
	r := &MemoryRepository{
		now:          time.Now,
		patients:     make(map[uuid.UUID]*Patient),
		patientByKey: make(map[string]uuid.UUID),
		appointments: make(map[uuid.UUID]*Appointment),
		activeSlots:  make(map[slotKey]uuid.UUID),
		sink:         sink,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		delivered:    make(chan struct{}),
	}
	if sink != nil {
		go r.deliver()
	} else {
		close(r.delivered)
	}
	return r
}

// Close delivers every queued event, then stops the delivery goroutine.
// Events committed after Close are not delivered.
func (r *MemoryRepository) Close() {
	r.closeOnce.Do(func() {
		r.outMu.Lock()
		r.closing = true
		r.outMu.Unlock()
		r.signal()
	})
	<-r.delivered
}

func keyFor(date time.Time, slot calendar.Clock) slotKey {
	return slotKey{date: calendar.FormatDate(date), slot: slot}
}

// tick returns a timestamp strictly after every previous write. Caller holds mu.
func (r *MemoryRepository) tick() time.Time {
	ts := r.now().UTC().Truncate(time.Microsecond)
	if !ts.After(r.lastWrite) {
		ts = r.lastWrite.Add(time.Microsecond)
	}
	r.lastWrite = ts
	return ts
}

func (r *MemoryRepository) UpsertPatient(ctx context.Context, identity PatientIdentity) (*Patient, error) {
	key := identity.Key()
	if key == "" || identity.FullName == "" {
		return nil, ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.patientByKey[key]; ok {
		p := *r.patients[id]
		return &p, nil
	}

	now := r.tick()
	p := &Patient{
		ID:                 uuid.New(),
		FullName:           identity.FullName,
		Phone:              identity.Phone,
		Email:              identity.Email,
		RegistrationStatus: RegistrationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.patients[p.ID] = p
	r.patientByKey[key] = p.ID

	out := *p
	return &out, nil
}

func (r *MemoryRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemoryRepository) AdvanceRegistration(ctx context.Context, id uuid.UUID, to RegistrationStatus) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	if !CanAdvanceRegistration(p.RegistrationStatus, to) {
		return nil, fmt.Errorf("%w: registration %s -> %s", ErrIllegalTransition, p.RegistrationStatus, to)
	}
	p.RegistrationStatus = to
	p.UpdatedAt = r.tick()

	out := *p
	return &out, nil
}

func (r *MemoryRepository) ClaimSlot(ctx context.Context, req ClaimRequest) (*Appointment, error) {
	key := keyFor(req.Date, req.Slot)

	// Every claim on this slot goes through the shard lock, so the slot
	// cannot be taken between the check and the insert. A concurrent
	// cancellation can only free it.
	lock := &r.slotLocks[key.shard()]
	lock.Lock()
	defer lock.Unlock()

	if holder, err := r.slotHolder(key, req.PatientID); err != nil || holder != nil {
		return holder, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tick()
	appt := &Appointment{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		Date:        calendar.DateOf(req.Date),
		Slot:        req.Slot,
		ServiceCode: req.ServiceCode,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.appointments[appt.ID] = appt
	r.activeSlots[key] = appt.ID

	r.emit(EventCreated, appt)

	out := *appt
	return &out, nil
}

// slotHolder returns the patient's own pending claim on key, ErrSlotTaken if
// anyone else holds it, or nil when the slot is free.
func (r *MemoryRepository) slotHolder(key slotKey, patientID uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.patients[patientID]; !ok {
		return nil, ErrPatientNotFound
	}
	holderID, taken := r.activeSlots[key]
	if !taken {
		return nil, nil
	}
	holder := r.appointments[holderID]
	if holder.PatientID == patientID && holder.Status == StatusPending {
		out := *holder
		return &out, nil
	}
	return nil, ErrSlotTaken
}

func (r *MemoryRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListByDate(ctx context.Context, date time.Time) ([]AppointmentView, error) {
	day := calendar.FormatDate(date)

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []AppointmentView{}
	for _, a := range r.appointments {
		if calendar.FormatDate(a.Date) != day {
			continue
		}
		result = append(result, r.viewOf(a))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Slot != result[j].Slot {
			return result[i].Slot < result[j].Slot
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) Save(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[appt.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !stored.UpdatedAt.Equal(appt.UpdatedAt) {
		return nil, ErrConcurrentModification
	}

	wasActive := stored.Active()
	stored.Status = appt.Status
	stored.UpdatedAt = r.tick()

	if wasActive && !stored.Active() {
		key := keyFor(stored.Date, stored.Slot)
		if r.activeSlots[key] == stored.ID {
			delete(r.activeSlots, key)
		}
	}

	r.emit(EventUpdated, stored)

	out := *stored
	return &out, nil
}

// viewOf joins the patient projection. Caller holds mu.
func (r *MemoryRepository) viewOf(a *Appointment) AppointmentView {
	v := AppointmentView{Appointment: *a}
	if p, ok := r.patients[a.PatientID]; ok {
		v.Patient = PatientSummary{FullName: p.FullName, Phone: p.Phone, Email: p.Email}
	}
	return v
}

// emit queues the post-mutation snapshot. Caller holds mu, which makes queue
// order equal to commit order.
func (r *MemoryRepository) emit(kind EventKind, a *Appointment) {
	if r.sink == nil {
		return
	}
	r.seq++
	ev := Event{
		Sequence:   r.seq,
		Kind:       kind,
		OccurredAt: a.UpdatedAt,
		Snapshot:   r.viewOf(a),
	}

	r.outMu.Lock()
	r.outbox = append(r.outbox, ev)
	r.outMu.Unlock()
	r.signal()
}

func (r *MemoryRepository) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// deliver hands queued events to the sink one at a time, in sequence order.
func (r *MemoryRepository) deliver() {
	defer close(r.delivered)

	for {
		r.outMu.Lock()
		batch := r.outbox
		r.outbox = nil
		closing := r.closing
		r.outMu.Unlock()

		if len(batch) == 0 {
			if closing {
				return
			}
			<-r.wake
			continue
		}

		for _, ev := range batch {
			// The mutation is committed either way; the sink only fans out.
			if err := r.sink.Publish(context.Background(), ev); err != nil {
				r.logger.Warn("change event not delivered",
					"sequence", ev.Sequence,
					"appointment_id", ev.Snapshot.ID,
					"kind", ev.Kind,
					"error", err)
			}
		}
	}
}
