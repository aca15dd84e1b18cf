package stage

import (
	"errors"
	"fmt"
	"sort"

	"qazna.org/xs2a/internal/domain"
)

// Direction separates initiation flows from cancellation flows.
type Direction string

const (
	Initiation   Direction = "INITIATION"
	Cancellation Direction = "CANCELLATION"
)

// DirectionOf maps an authorisation type onto its direction.
func DirectionOf(t domain.AuthorisationType) Direction {
	if t == domain.AuthorisationPisCancellation {
		return Cancellation
	}
	return Initiation
}

// Key addresses one handler.
type Key struct {
	Direction Direction
	Approach  domain.ScaApproach
	Status    domain.ScaStatus
}

// String renders the key as DIRECTION_APPROACH_STATUS.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Direction, k.Approach, k.Status)
}

// ErrDispatch matches every resolution or transition failure. Such a failure
// means a handler is missing or misbehaving, never bad input.
var ErrDispatch = errors.New("stage: dispatch failure")

// DispatchError reports a key without a handler.
type DispatchError struct {
	ObjectType domain.ObjectType
	Key        Key
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("stage: no handler for %s %s", e.ObjectType, e.Key)
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Registry maps keys to handlers. It is built once and never modified, so
// lookups need no locking.
type Registry[T any] struct {
	objectType domain.ObjectType
	handlers   map[Key]Handler[T]
}

// Resolve returns the handler for an authorisation in the given state.
func (r *Registry[T]) Resolve(t domain.AuthorisationType, approach domain.ScaApproach, status domain.ScaStatus) (Handler[T], error) {
	key := Key{Direction: DirectionOf(t), Approach: approach, Status: status}
	h, ok := r.handlers[key]
	if !ok {
		return nil, &DispatchError{ObjectType: r.objectType, Key: key}
	}
	return h, nil
}

// ObjectType is the object type the registry serves.
func (r *Registry[T]) ObjectType() domain.ObjectType { return r.objectType }

// Keys lists registered keys in a stable order.
func (r *Registry[T]) Keys() []Key {
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Builder collects handlers before a Registry is frozen.
type Builder[T any] struct {
	objectType domain.ObjectType
	handlers   map[Key]Handler[T]
	errs       []error
}

func NewBuilder[T any](objectType domain.ObjectType) *Builder[T] {
	return &Builder[T]{objectType: objectType, handlers: make(map[Key]Handler[T])}
}

// Register adds h under key. Registering a key twice or a terminal status is
// an error reported by Build.
func (b *Builder[T]) Register(key Key, h Handler[T]) *Builder[T] {
	switch {
	case h == nil:
		b.errs = append(b.errs, fmt.Errorf("stage: nil handler for %s", key))
	case key.Status.IsFinalised():
		b.errs = append(b.errs, fmt.Errorf("stage: terminal status %s cannot have a handler", key))
	case !key.Approach.Valid() || !key.Status.Valid():
		b.errs = append(b.errs, fmt.Errorf("stage: invalid key %s", key))
	default:
		if _, dup := b.handlers[key]; dup {
			b.errs = append(b.errs, fmt.Errorf("stage: duplicate handler for %s", key))
			break
		}
		b.handlers[key] = h
	}
	return b
}

// Build freezes the registry.
func (b *Builder[T]) Build() (*Registry[T], error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	handlers := make(map[Key]Handler[T], len(b.handlers))
	for k, h := range b.handlers {
		handlers[k] = h
	}
	return &Registry[T]{objectType: b.objectType, handlers: handlers}, nil
}
