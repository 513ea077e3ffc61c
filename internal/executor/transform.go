package executor

import (
	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
)

const temporaryKeyPrefix = "tmp-"

// TemporaryKey is the row key an optimistic CREATE occupies until the server assigns one.
func TemporaryKey(operationID string) string {
	return temporaryKeyPrefix + operationID
}

func appendRecord(rowKey string, payload map[string]any) cache.Transform {
	return func(records []cache.Record) []cache.Record {
		return append(records, cache.Record{RowKey: rowKey, Fields: copyFields(payload)})
	}
}

func mergeRecord(rowKey string, payload map[string]any) cache.Transform {
	return func(records []cache.Record) []cache.Record {
		for index := range records {
			if records[index].RowKey != rowKey {
				continue
			}
			if records[index].Fields == nil {
				records[index].Fields = make(map[string]any, len(payload))
			}
			for key, value := range payload {
				records[index].Fields[key] = value
			}
		}
		return records
	}
}

func removeRecord(rowKey string) cache.Transform {
	return func(records []cache.Record) []cache.Record {
		kept := records[:0]
		for _, record := range records {
			if record.RowKey != rowKey {
				kept = append(kept, record)
			}
		}
		return kept
	}
}

func copyFields(payload map[string]any) map[string]any {
	fields := make(map[string]any, len(payload))
	for key, value := range payload {
		fields[key] = value
	}
	return fields
}
