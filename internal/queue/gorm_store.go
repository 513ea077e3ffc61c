package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// OperationRecord is the persisted row backing a PendingOperation.
type OperationRecord struct {
	Seq            int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	OperationID    string `gorm:"column:operation_id;size:64;not null;uniqueIndex"`
	Type           string `gorm:"column:op;size:16;not null"`
	Entity         string `gorm:"column:entity;size:190;not null;index"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	TargetKey      string `gorm:"column:target_key;size:190;not null;default:''"`
	TimestampNanos int64  `gorm:"column:created_at_ns;not null"`
	OriginDeviceID string `gorm:"column:origin_device_id;size:64;not null;default:''"`
	OriginLabel    string `gorm:"column:origin_label;size:190;not null;default:''"`
	RetryCount     int    `gorm:"column:retry_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "pending_operations"
}

// NewOperationRecord converts an operation into its persisted form.
func NewOperationRecord(op PendingOperation) (OperationRecord, error) {
	payload := op.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return OperationRecord{}, err
	}
	return OperationRecord{
		OperationID:    op.ID,
		Type:           string(op.Type),
		Entity:         op.Entity,
		PayloadJSON:    string(payloadJSON),
		TargetKey:      op.TargetKey,
		TimestampNanos: op.Timestamp.UTC().UnixNano(),
		OriginDeviceID: op.Origin.DeviceID,
		OriginLabel:    op.Origin.Label,
		RetryCount:     op.RetryCount,
	}, nil
}

func (r OperationRecord) operation() (PendingOperation, error) {
	opType, err := ParseOperationType(r.Type)
	if err != nil {
		return PendingOperation{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
		return PendingOperation{}, err
	}
	return PendingOperation{
		ID:         r.OperationID,
		Type:       opType,
		Entity:     r.Entity,
		Payload:    payload,
		TargetKey:  r.TargetKey,
		Timestamp:  time.Unix(0, r.TimestampNanos).UTC(),
		Origin:     Origin{DeviceID: r.OriginDeviceID, Label: r.OriginLabel},
		RetryCount: r.RetryCount,
	}, nil
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Origin     OriginFunc
	Logger     *zap.Logger
}

// GormStore persists pending operations in SQL so they survive a restart.
type GormStore struct {
	db      *gorm.DB
	stamper stamper
	logger  *zap.Logger
}

// NewGormStore constructs a durable store. The pending_operations table must already be migrated.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:      cfg.Database,
		stamper: newStamper(cfg.Clock, cfg.IDProvider, cfg.Origin),
		logger:  logger,
	}, nil
}

// Append stamps the draft and writes it durably before returning.
func (s *GormStore) Append(ctx context.Context, draft Draft) (PendingOperation, error) {
	op, err := s.stamper.stamp(draft)
	if err != nil {
		return PendingOperation{}, err
	}
	record, err := NewOperationRecord(op)
	if err != nil {
		s.logError(opAppend, "payload_encode_failed", err, zap.String("entity", op.Entity))
		return PendingOperation{}, newStoreError(opAppend, "payload_encode_failed", err)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppend, "insert_failed", err, zap.String("entity", op.Entity))
		return PendingOperation{}, newStoreError(opAppend, "insert_failed", err)
	}
	return op, nil
}

// List returns every stored operation in insertion order.
func (s *GormStore) List(ctx context.Context) ([]PendingOperation, error) {
	var records []OperationRecord
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", err)
	}
	operations := make([]PendingOperation, 0, len(records))
	for _, record := range records {
		op, err := record.operation()
		if err != nil {
			s.logError(opList, "decode_failed", err, zap.String("operation_id", record.OperationID))
			return nil, newStoreError(opList, "decode_failed", err)
		}
		operations = append(operations, op)
	}
	return operations, nil
}

// Remove deletes the operation; a missing id is not an error.
func (s *GormStore) Remove(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("operation_id = ?", id).Delete(&OperationRecord{}).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("operation_id", id))
		return newStoreError(opRemove, "delete_failed", err)
	}
	return nil
}

// IncrementRetry bumps retry_count in a single statement; a missing id is not an error.
func (s *GormStore) IncrementRetry(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&OperationRecord{}).
		Where("operation_id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + ?", 1)).Error
	if err != nil {
		s.logError(opIncrementRetry, "update_failed", err, zap.String("operation_id", id))
		return newStoreError(opIncrementRetry, "update_failed", err)
	}
	return nil
}

// Clear removes every operation.
func (s *GormStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&OperationRecord{}).Error; err != nil {
		s.logError(opClear, "delete_failed", err)
		return newStoreError(opClear, "delete_failed", err)
	}
	s.logger.Info("pending operations cleared")
	return nil
}

// Count returns the number of stored operations.
func (s *GormStore) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OperationRecord{}).Count(&count).Error; err != nil {
		s.logError(opCount, "query_failed", err)
		return 0, newStoreError(opCount, "query_failed", err)
	}
	return int(count), nil
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue store error", attrs...)
}
