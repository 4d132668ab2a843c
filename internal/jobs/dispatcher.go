// Package jobs admits background work into the queue backend exactly once per
// logical resource. Every family derives its job id from the payload, so a
// caller never has to keep track of job ids to find its work again.
package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/telemetry"
)

// HashKey returns the idempotency key of a natural identity: the SHA-1 of the
// parts as 40 hex characters.
func HashKey(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))

	return hex.EncodeToString(sum[:])
}

// Family describes one kind of background work.
type Family[P any] struct {
	Queue   string
	JobType string
	// Key derives the idempotency key of a payload. It must be pure.
	Key    func(P) string
	Policy Policy
}

// DispatchResult is the outcome of Dispatch.
type DispatchResult struct {
	Job     *storage.Job `json:"job"`
	Created bool         `json:"created"`
	Message string       `json:"message"`
}

// Status is the queryable state of a job. Exists is false when the backend has
// no record, because it was never dispatched or was already pruned.
type Status struct {
	Exists       bool            `json:"exists"`
	ID           string          `json:"id,omitempty"`
	State        storage.State   `json:"status,omitempty"`
	Progress     int             `json:"progress"`
	Attempts     int             `json:"attempts,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// StatusOf converts a job record into a Status.
func StatusOf(job *storage.Job) Status {
	if job == nil {
		return Status{}
	}

	return Status{
		Exists:       true,
		ID:           job.ID,
		State:        job.State,
		Progress:     job.Progress,
		Attempts:     job.AttemptsMade,
		Data:         job.ProgressData,
		Result:       job.Result,
		FailedReason: job.FailedReason,
	}
}

// Dispatcher admits jobs of one family.
type Dispatcher[P any] struct {
	family    Family[P]
	store     storage.JobStore
	clock     progress.Clock
	telemetry *telemetry.Telemetry
}

// NewDispatcher creates a Dispatcher for family on store.
func NewDispatcher[P any](family Family[P], store storage.JobStore, clock progress.Clock, tel *telemetry.Telemetry) *Dispatcher[P] {
	if clock == nil {
		clock = progress.SystemClock
	}

	return &Dispatcher[P]{family: family, store: store, clock: clock, telemetry: tel}
}

// Family returns the family this dispatcher admits.
func (d *Dispatcher[P]) Family() Family[P] {
	return d.family
}

// Dispatch enqueues params unless a job for the same resource already exists.
// The backend's add-if-absent is the only arbiter; two concurrent calls for one
// resource get one Created=true and one Created=false.
func (d *Dispatcher[P]) Dispatch(ctx context.Context, params P) (DispatchResult, error) {
	key := d.family.Key(params)
	logger := logctx.LoggerFromContext(ctx).With("queue", d.family.Queue, "job_id", key)

	payload, err := json.Marshal(params)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to encode %s payload: %w", d.family.JobType, err)
	}

	now := d.clock.Now()
	job := &storage.Job{
		Queue:        d.family.Queue,
		ID:           key,
		Type:         d.family.JobType,
		Payload:      payload,
		MaxAttempts:  max(d.family.Policy.Attempts, 1),
		BackoffType:  string(d.family.Policy.Backoff.Type),
		BackoffDelay: d.family.Policy.Backoff.Delay,
		RunAt:        now,
		CreatedAt:    now,
	}

	created, err := d.store.AddIfAbsent(ctx, job)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to dispatch %s job: %w", d.family.JobType, err)
	}

	d.telemetry.RecordDispatch(ctx, d.family.Queue, created)

	stored, err := d.store.Get(ctx, d.family.Queue, key)
	if err != nil {
		// Pruned between the add and the read; the add itself succeeded.
		if errors.Is(err, storage.ErrJobNotFound) && created {
			stored = job
		} else {
			return DispatchResult{}, fmt.Errorf("failed to load %s job: %w", d.family.JobType, err)
		}
	}

	if !created {
		logger.DebugContext(ctx, "job already exists", "state", stored.State)

		return DispatchResult{
			Job:     stored,
			Created: false,
			Message: fmt.Sprintf("%s job already exists (%s)", d.family.JobType, stored.State),
		}, nil
	}

	logger.InfoContext(ctx, "job dispatched", "type", d.family.JobType)

	return DispatchResult{
		Job:     stored,
		Created: true,
		Message: fmt.Sprintf("%s job dispatched", d.family.JobType),
	}, nil
}

// GetStatus returns the status of the job params would map to.
func (d *Dispatcher[P]) GetStatus(ctx context.Context, params P) (Status, error) {
	return d.GetByKey(ctx, d.family.Key(params))
}

// GetByKey returns the status of the job with idempotency key key.
func (d *Dispatcher[P]) GetByKey(ctx context.Context, key string) (Status, error) {
	job, err := d.store.Get(ctx, d.family.Queue, key)
	if errors.Is(err, storage.ErrJobNotFound) {
		return Status{}, nil
	}

	if err != nil {
		return Status{}, fmt.Errorf("failed to get job status: %w", err)
	}

	return StatusOf(job), nil
}

// Queue is the family-independent view of a Dispatcher used by the worker,
// the sweeper and the HTTP surface.
type Queue interface {
	Name() string
	JobType() string
	Policy() Policy
	DispatchJSON(ctx context.Context, raw json.RawMessage) (DispatchResult, error)
	StatusJSON(ctx context.Context, raw json.RawMessage) (Status, error)
	StatusQuery(ctx context.Context, query url.Values) (Status, error)
	GetByKey(ctx context.Context, key string) (Status, error)
}

func (d *Dispatcher[P]) Name() string    { return d.family.Queue }
func (d *Dispatcher[P]) JobType() string { return d.family.JobType }
func (d *Dispatcher[P]) Policy() Policy  { return d.family.Policy }

// DispatchJSON decodes raw into the family payload and dispatches it.
func (d *Dispatcher[P]) DispatchJSON(ctx context.Context, raw json.RawMessage) (DispatchResult, error) {
	params, err := decode[P](raw)
	if err != nil {
		return DispatchResult{}, err
	}

	return d.Dispatch(ctx, params)
}

// StatusJSON decodes raw into the family payload and returns its status.
func (d *Dispatcher[P]) StatusJSON(ctx context.Context, raw json.RawMessage) (Status, error) {
	params, err := decode[P](raw)
	if err != nil {
		return Status{}, err
	}

	return d.GetStatus(ctx, params)
}

// StatusQuery resolves the status from query parameters such as
// ?modelName=llama3.2:1b. Parameters that fit no payload field are ignored.
func (d *Dispatcher[P]) StatusQuery(ctx context.Context, query url.Values) (Status, error) {
	params, err := decodeQuery[P](query)
	if err != nil {
		return Status{}, err
	}

	return d.GetStatus(ctx, params)
}

// InvalidPayloadError is returned when a payload does not decode or validate.
type InvalidPayloadError struct {
	Err error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *InvalidPayloadError) Unwrap() error {
	return e.Err
}

type validator interface {
	Validate() error
}

func decode[P any](raw json.RawMessage) (P, error) {
	var params P

	if err := json.Unmarshal(raw, &params); err != nil {
		return params, &InvalidPayloadError{Err: err}
	}

	return params, validate(&params)
}

// decodeQuery fills P from query parameters. A value is tried as a JSON string,
// then as a list, then as a bare literal (true, 3); the first that decodes into
// the field wins.
func decodeQuery[P any](query url.Values) (P, error) {
	var params P

	for name, values := range query {
		if len(values) == 0 {
			continue
		}

		for _, candidate := range []any{values[0], values, json.RawMessage(values[0])} {
			raw, err := json.Marshal(map[string]any{name: candidate})
			if err != nil {
				continue
			}

			if json.Unmarshal(raw, &params) == nil {
				break
			}
		}
	}

	return params, validate(&params)
}

func validate[P any](params *P) error {
	if v, ok := any(params).(validator); ok {
		if err := v.Validate(); err != nil {
			return &InvalidPayloadError{Err: err}
		}
	}

	return nil
}
