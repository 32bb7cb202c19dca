package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DenyReason distinguishes the two admission denial causes so callers can
// render them differently.
type DenyReason string

const (
	DenyActiveStream DenyReason = "active_stream_exists"
	DenyCooldown     DenyReason = "creation_cooldown"
)

// FailMode selects the behaviour when the distributed store errors.
type FailMode string

const (
	// FailOpen falls through to the in-process store with a warning. Only
	// safe for single-instance deployments.
	FailOpen FailMode = "open"
	// FailClosed denies the operation outright. Correct for multi-instance
	// deployments where the in-process map cannot see other instances.
	FailClosed FailMode = "closed"
)

// ErrStoreUnavailable is returned in fail-closed mode when the distributed
// store cannot be reached.
var ErrStoreUnavailable = errors.New("admission store unavailable")

// ActiveStream records the stream currently owned by a client.
type ActiveStream struct {
	StreamID  string    `json:"streamId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Decision is the outcome of a creation check.
type Decision struct {
	Allowed        bool
	Reason         DenyReason
	RetryAfter     time.Duration
	ActiveStreamID string
}

// Option configures a Registry instance.
type Option func(*Registry)

// WithDistributedStore injects the shared cross-process backend. When set it
// is preferred over the in-process map for every operation.
func WithDistributedStore(store Store) Option {
	return func(r *Registry) {
		r.distributed = store
	}
}

// WithFailMode selects fail-open or fail-closed handling of distributed
// store errors.
func WithFailMode(mode FailMode) Option {
	return func(r *Registry) {
		if mode == FailOpen || mode == FailClosed {
			r.failMode = mode
		}
	}
}

// WithStreamTTL overrides the active-stream record TTL.
func WithStreamTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.streamTTL = ttl
		}
	}
}

// WithCooldown overrides the creation cooldown window.
func WithCooldown(window time.Duration) Option {
	return func(r *Registry) {
		if window > 0 {
			r.cooldown = window
		}
	}
}

// WithLogger attaches a logger for fail-open warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Registry is the source of truth for which client owns which active stream.
// It enforces one active stream per client plus a creation cooldown, against
// an in-process map or a distributed store behind the same Store contract.
type Registry struct {
	memory      *MemoryStore
	distributed Store
	failMode    FailMode
	streamTTL   time.Duration
	cooldown    time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

// NewRegistry constructs a registry with a 30 minute stream TTL and a 30
// second creation cooldown unless overridden.
func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{
		memory:    NewMemoryStore(),
		failMode:  FailOpen,
		streamTTL: 30 * time.Minute,
		cooldown:  30 * time.Second,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// CheckCreation decides whether the client may create a new stream. An
// existing active stream always wins over the cooldown so the two denial
// reasons stay distinguishable.
func (r *Registry) CheckCreation(ctx context.Context, clientID string) (Decision, error) {
	if strings.TrimSpace(clientID) == "" {
		return Decision{}, fmt.Errorf("clientID is required")
	}
	active, err := r.GetActive(ctx, clientID)
	if err != nil {
		return Decision{}, err
	}
	if active != nil {
		return Decision{Allowed: false, Reason: DenyActiveStream, ActiveStreamID: active.StreamID}, nil
	}
	remaining, onCooldown, err := r.cooldownRemaining(ctx, clientID)
	if err != nil {
		return Decision{}, err
	}
	if onCooldown {
		return Decision{Allowed: false, Reason: DenyCooldown, RetryAfter: remaining}, nil
	}
	return Decision{Allowed: true}, nil
}

// Register stores the active stream for the client and (re)sets the creation
// cooldown. It fails when another live stream record already exists.
func (r *Registry) Register(ctx context.Context, clientID, streamID string) error {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("clientID and streamID are required")
	}
	now := r.clock()
	record := ActiveStream{
		StreamID:  streamID,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(r.streamTTL).UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal active stream: %w", err)
	}
	stored, err := r.setIfAbsent(ctx, streamKey(clientID), string(payload), r.streamTTL)
	if err != nil {
		return err
	}
	if !stored {
		return fmt.Errorf("client %s already owns an active stream", clientID)
	}
	if err := r.set(ctx, cooldownKey(clientID), streamID, r.cooldown); err != nil {
		return err
	}
	return nil
}

// End releases the client's active stream. It succeeds when no streamID is
// given or it matches the stored one; success also clears the cooldown so a
// clean end permits immediate re-creation. TTL-driven disappearance leaves
// the cooldown standing.
func (r *Registry) End(ctx context.Context, clientID, streamID string) (bool, error) {
	active, err := r.GetActive(ctx, clientID)
	if err != nil {
		return false, err
	}
	if active == nil {
		return false, nil
	}
	if streamID != "" && streamID != active.StreamID {
		return false, nil
	}
	if err := r.delete(ctx, streamKey(clientID)); err != nil {
		return false, err
	}
	if err := r.delete(ctx, cooldownKey(clientID)); err != nil {
		return false, err
	}
	return true, nil
}

// GetActive returns the client's non-expired active stream, or nil.
func (r *Registry) GetActive(ctx context.Context, clientID string) (*ActiveStream, error) {
	value, ok, err := r.get(ctx, streamKey(clientID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var record ActiveStream
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("decode active stream: %w", err)
	}
	if r.clock().After(record.ExpiresAt) {
		return nil, nil
	}
	return &record, nil
}

// PurgeExpired removes expired entries from the in-process store. The
// distributed backend expires keys natively.
func (r *Registry) PurgeExpired() error {
	return r.memory.PurgeExpired(r.clock())
}

// Ping verifies the preferred backend is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	if r.distributed != nil {
		if pinger, ok := r.distributed.(interface{ Ping(context.Context) error }); ok {
			return pinger.Ping(ctx)
		}
	}
	return r.memory.Ping(ctx)
}

func (r *Registry) cooldownRemaining(ctx context.Context, clientID string) (time.Duration, bool, error) {
	remaining, ok, err := r.ttl(ctx, cooldownKey(clientID))
	if err != nil {
		return 0, false, err
	}
	if !ok || remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (r *Registry) get(ctx context.Context, key string) (string, bool, error) {
	if r.distributed != nil {
		value, ok, err := r.distributed.Get(ctx, key)
		if err == nil {
			return value, ok, nil
		}
		if failure := r.storeFailure("get", err); failure != nil {
			return "", false, failure
		}
	}
	return r.memory.Get(ctx, key)
}

func (r *Registry) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.distributed != nil {
		err := r.distributed.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		if failure := r.storeFailure("set", err); failure != nil {
			return failure
		}
	}
	return r.memory.Set(ctx, key, value, ttl)
}

func (r *Registry) setIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.distributed != nil {
		stored, err := r.distributed.SetIfAbsent(ctx, key, value, ttl)
		if err == nil {
			return stored, nil
		}
		if failure := r.storeFailure("setnx", err); failure != nil {
			return false, failure
		}
	}
	return r.memory.SetIfAbsent(ctx, key, value, ttl)
}

func (r *Registry) delete(ctx context.Context, key string) error {
	if r.distributed != nil {
		err := r.distributed.Delete(ctx, key)
		if err == nil {
			return nil
		}
		if failure := r.storeFailure("delete", err); failure != nil {
			return failure
		}
	}
	return r.memory.Delete(ctx, key)
}

func (r *Registry) ttl(ctx context.Context, key string) (time.Duration, bool, error) {
	if r.distributed != nil {
		remaining, ok, err := r.distributed.TTL(ctx, key)
		if err == nil {
			return remaining, ok, nil
		}
		if failure := r.storeFailure("ttl", err); failure != nil {
			return 0, false, failure
		}
	}
	return r.memory.TTL(ctx, key)
}

// storeFailure returns a terminal error in fail-closed mode; in fail-open
// mode it logs a warning and returns nil so the caller falls through to the
// in-process store.
func (r *Registry) storeFailure(op string, err error) error {
	if r.failMode == FailClosed {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	if r.logger != nil {
		r.logger.Warn("distributed admission store failed, using in-process fallback", "op", op, "error", err)
	}
	return nil
}

func streamKey(clientID string) string {
	return "driftcast:stream:" + clientID
}

func cooldownKey(clientID string) string {
	return "driftcast:cooldown:" + clientID
}
