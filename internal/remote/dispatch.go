package remote

import (
	"context"
	"fmt"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
)

// Mutator is the write half of Client.
type Mutator interface {
	Create(ctx context.Context, entity string, payload map[string]any, origin queue.Origin) (CreateResult, error)
	Update(ctx context.Context, entity, targetKey string, payload map[string]any, origin queue.Origin) error
	Delete(ctx context.Context, entity, targetKey string, origin queue.Origin) error
}

// Send translates a queued operation into its remote call: CREATE to POST, UPDATE to PUT, DELETE to DELETE.
func Send(ctx context.Context, mutator Mutator, op queue.PendingOperation) error {
	switch op.Type {
	case queue.OperationCreate:
		_, err := mutator.Create(ctx, op.Entity, op.Payload, op.Origin)
		return err
	case queue.OperationUpdate:
		return mutator.Update(ctx, op.Entity, op.TargetKey, op.Payload, op.Origin)
	case queue.OperationDelete:
		return mutator.Delete(ctx, op.Entity, op.TargetKey, op.Origin)
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidOperationType, op.Type)
	}
}
