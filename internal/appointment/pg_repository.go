package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointment-core/internal/calendar"
)

// EventsChannel is the Postgres NOTIFY channel raised on every outbox insert.
const EventsChannel = "appointment_events"

const (
	activeSlotConstraint  = "appointments_active_slot_uniq"
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// pgxDB is satisfied by *pgxpool.Pool and by pgxmock pools.
type pgxDB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db pgxDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

// NewPgRepositoryWithDB allows injecting a mock pool for tests.
func NewPgRepositoryWithDB(db pgxDB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

const patientColumns = `id, full_name, phone, email, registration_status, created_at, updated_at`

const appointmentColumns = `id, patient_id, date, time_slot, service_code, status, created_at, updated_at`

const viewSelect = `
	SELECT a.id, a.patient_id, a.date, a.time_slot, a.service_code, a.status, a.created_at, a.updated_at,
	       p.full_name, p.phone, p.email
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.FullName,
		&p.Phone,
		&p.Email,
		&p.RegistrationStatus,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var slot pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.Date,
		&slot,
		&a.ServiceCode,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Slot = clockFromPg(slot)
	a.Date = calendar.DateOf(a.Date)
	return &a, nil
}

func scanView(row pgx.Row) (*AppointmentView, error) {
	var v AppointmentView
	var slot pgtype.Time

	err := row.Scan(
		&v.ID,
		&v.PatientID,
		&v.Date,
		&slot,
		&v.ServiceCode,
		&v.Status,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.Patient.FullName,
		&v.Patient.Phone,
		&v.Patient.Email,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	v.Slot = clockFromPg(slot)
	v.Date = calendar.DateOf(v.Date)
	return &v, nil
}

func clockToPg(c calendar.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

func clockFromPg(t pgtype.Time) calendar.Clock {
	return calendar.Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func isConstraintViolation(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isSlotConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return pgErr.ConstraintName == "" || pgErr.ConstraintName == activeSlotConstraint
}

// Interface methods

func (r *PgRepository) UpsertPatient(ctx context.Context, identity PatientIdentity) (*Patient, error) {
	key := identity.Key()
	if key == "" || identity.FullName == "" {
		return nil, ErrInvalidIdentity
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	row := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, full_name, phone, email, identity_key, registration_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now(), now())
		ON CONFLICT (identity_key) DO UPDATE SET identity_key = EXCLUDED.identity_key
		RETURNING `+patientColumns,
		uuid.New(), identity.FullName, identity.Phone, identity.Email, key)

	p, err := scanPatient(row)
	if err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}
	return p, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) AdvanceRegistration(ctx context.Context, id uuid.UUID, to RegistrationStatus) (*Patient, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPatient(tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if !CanAdvanceRegistration(current.RegistrationStatus, to) {
		return nil, fmt.Errorf("%w: registration %s -> %s", ErrIllegalTransition, current.RegistrationStatus, to)
	}

	updated, err := scanPatient(tx.QueryRow(ctx, `
		UPDATE patients
		SET registration_status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+patientColumns,
		id, to))
	if err != nil {
		return nil, fmt.Errorf("update registration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) ClaimSlot(ctx context.Context, req ClaimRequest) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The partial unique index on (date, time_slot) WHERE status <> 'cancelled'
	// makes this insert the atomic claim.
	appt, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, date, time_slot, service_code, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', clock_timestamp(), clock_timestamp())
		RETURNING `+appointmentColumns,
		uuid.New(), req.PatientID, req.Date, clockToPg(req.Slot), req.ServiceCode))
	if err != nil {
		switch {
		case isSlotConflict(err):
			_ = tx.Rollback(ctx)
			return r.resolveTakenSlot(ctx, req)
		case isConstraintViolation(err, pgForeignKeyViolation):
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := r.recordEvent(ctx, tx, EventCreated, appt.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return appt, nil
}

// resolveTakenSlot turns a lost claim into ErrSlotTaken, unless the holder is
// this patient's own pending claim (a retried request).
func (r *PgRepository) resolveTakenSlot(ctx context.Context, req ClaimRequest) (*Appointment, error) {
	holder, err := scanAppointment(r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE date = $1 AND time_slot = $2 AND status <> 'cancelled'
	`, req.Date, clockToPg(req.Slot)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("load slot holder: %w", err)
	}
	if holder.PatientID == req.PatientID && holder.Status == StatusPending {
		return holder, nil
	}
	return nil, ErrSlotTaken
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByDate(ctx context.Context, date time.Time) ([]AppointmentView, error) {
	rows, err := r.db.Query(ctx, viewSelect+`
		WHERE a.date = $1
		ORDER BY a.time_slot, a.created_at
	`, calendar.DateOf(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []AppointmentView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) Save(ctx context.Context, appt *Appointment) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// updated_at is the version: the row is written only if nobody else has
	// written it since it was read, and every write moves it forward.
	updated, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE id = $1
		  AND updated_at = $3
		RETURNING `+appointmentColumns,
		appt.ID, appt.Status, appt.UpdatedAt))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("update appointment: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, appt.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check appointment: %w", err)
		}
		if !exists {
			return nil, ErrAppointmentNotFound
		}
		return nil, ErrConcurrentModification
	}

	if err := r.recordEvent(ctx, tx, EventUpdated, updated.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// recordEvent appends the post-mutation snapshot to the outbox inside tx and
// wakes relays once tx commits.
func (r *PgRepository) recordEvent(ctx context.Context, tx pgx.Tx, kind EventKind, id uuid.UUID) error {
	view, err := scanView(tx.QueryRow(ctx, viewSelect+`WHERE a.id = $1`, id))
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO appointment_events (appointment_id, kind, snapshot, created_at)
		VALUES ($1, $2, $3, clock_timestamp())
		RETURNING seq
	`, id, kind, payload).Scan(&seq)
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, EventsChannel, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("notify appointment event: %w", err)
	}
	return nil
}

// FetchUnrelayed returns outbox events not yet handed to the feed, oldest first.
func (r *PgRepository) FetchUnrelayed(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT seq, kind, snapshot, created_at
		FROM appointment_events
		WHERE relayed_at IS NULL
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch appointment events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.Sequence, &ev.Kind, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan appointment event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", ev.Sequence, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkRelayed flags events as delivered to the feed.
func (r *PgRepository) MarkRelayed(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE appointment_events
		SET relayed_at = now()
		WHERE seq = ANY($1) AND relayed_at IS NULL
	`, seqs)
	if err != nil {
		return fmt.Errorf("mark appointment events relayed: %w", err)
	}
	return nil
}
