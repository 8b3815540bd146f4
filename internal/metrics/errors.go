package metrics

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("metrics_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("metrics_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("metrics_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("metrics_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("metrics_transaction_failed")

	// Storage Errors
	ErrStorageInit   = errors.ErrorCode("metrics_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("metrics_storage_close_failed")
	ErrStorageQuery  = errors.ErrorCode("metrics_storage_query_failed")
	ErrStorageClosed = errors.ErrorCode("metrics_storage_closed")

	// Collection Errors
	ErrRecordFailed    = errors.ErrorCode("metrics_record_failed")
	ErrInvalidSnapshot = errors.ErrorCode("metrics_invalid_snapshot")

	// Operation Errors
	ErrOperationTimeout = errors.ErrorCode("metrics_operation_timeout")
)
