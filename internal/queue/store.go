package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable list of pending operations.
type Store interface {
	Append(ctx context.Context, draft Draft) (PendingOperation, error)
	List(ctx context.Context) ([]PendingOperation, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

const (
	opAppend         = "queue.append"
	opList           = "queue.list"
	opRemove         = "queue.remove"
	opIncrementRetry = "queue.increment_retry"
	opClear          = "queue.clear"
	opCount          = "queue.count"
	opStoreNew       = "queue.store.new"
)

// StoreError reports a storage-layer failure. Callers must not treat it as retry bookkeeping.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier of the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IsStoreError reports whether err originated in the storage layer.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// IDProvider issues operation identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider issuing UUIDv7 values: a millisecond timestamp followed by random bits.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// OriginFunc supplies the origin stamped on every appended operation.
type OriginFunc func() Origin

type stamper struct {
	clock      func() time.Time
	idProvider IDProvider
	origin     OriginFunc
}

func newStamper(clock func() time.Time, idProvider IDProvider, origin OriginFunc) stamper {
	if clock == nil {
		clock = time.Now
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	if origin == nil {
		origin = func() Origin { return Origin{} }
	}
	return stamper{clock: clock, idProvider: idProvider, origin: origin}
}

func (s stamper) stamp(draft Draft) (PendingOperation, error) {
	if err := draft.Validate(); err != nil {
		return PendingOperation{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return PendingOperation{}, newStoreError(opAppend, "id_generation_failed", err)
	}
	targetKey := draft.TargetKey
	if draft.Type == OperationCreate {
		targetKey = ""
	}
	return PendingOperation{
		ID:         id,
		Type:       draft.Type,
		Entity:     draft.Entity,
		Payload:    ClonePayload(draft.Payload),
		TargetKey:  targetKey,
		Timestamp:  s.clock().UTC(),
		Origin:     s.origin(),
		RetryCount: 0,
	}, nil
}
