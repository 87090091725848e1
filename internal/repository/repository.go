package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL 可重试错误码
// 参考: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 40 — Transaction Rollback
	pgErrSerializationFailure = "40001" // serialization_failure
	pgErrDeadlockDetected     = "40P01" // deadlock_detected

	// Class 08 — Connection Exception
	pgErrConnectionFailure    = "08006" // connection_failure
	pgErrConnectionException  = "08000" // connection_exception
	pgErrSQLClientCantConnect = "08001" // sqlclient_unable_to_establish_sqlconnection

	// Class 53 — Insufficient Resources
	pgErrInsufficientResources = "53000" // insufficient_resources
	pgErrDiskFull              = "53100" // disk_full
	pgErrOutOfMemory           = "53200" // out_of_memory
	pgErrTooManyConnections    = "53300" // too_many_connections

	// Class 57 — Operator Intervention
	pgErrOperatorIntervention = "57000" // operator_intervention
	pgErrQueryCanceled        = "57014" // query_canceled
	pgErrAdminShutdown        = "57P01" // admin_shutdown
	pgErrCrashShutdown        = "57P02" // crash_shutdown
	pgErrCannotConnectNow     = "57P03" // cannot_connect_now
	pgErrDatabaseDropped      = "57P04" // database_dropped
)

// Repository 基础仓储
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建基础仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// txKey 事务上下文键
type txKey struct{}

// DB 返回数据库连接
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 执行事务, 已在事务内时直接复用外层事务
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// TransactionWithRetry 带重试的事务执行
func (r *Repository) TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		// 仅对可重试错误进行重试
		if !isRetryableError(err) {
			return err
		}
		// 指数退避
		time.Sleep(time.Duration(1<<uint(i)) * 100 * time.Millisecond)
	}
	return err
}

// TryAdvisoryXactLock 尝试获取事务级咨询锁, 事务提交或回滚时自动释放
//
// 必须在 Transaction 内调用。返回 false 表示锁被其他会话持有。
func (r *Repository) TryAdvisoryXactLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := r.DB(ctx).Raw("SELECT pg_try_advisory_xact_lock(?)", key).Scan(&acquired).Error
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// isRetryableError 判断是否为可重试错误
// 主要包括: 死锁、序列化失败、连接问题、资源不足等临时性错误
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// 检查是否为 PostgreSQL 错误
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// 事务回滚类错误 - 可重试
		case pgErrSerializationFailure, pgErrDeadlockDetected:
			return true
		// 连接异常类错误 - 可重试
		case pgErrConnectionFailure, pgErrConnectionException, pgErrSQLClientCantConnect:
			return true
		// 资源不足类错误 - 可重试 (可能是临时性的)
		case pgErrInsufficientResources, pgErrTooManyConnections:
			return true
		// 操作干预类错误 - 部分可重试
		case pgErrQueryCanceled, pgErrCannotConnectNow:
			return true
		// 磁盘满、内存不足 - 不重试 (需要人工干预)
		case pgErrDiskFull, pgErrOutOfMemory:
			return false
		// 管理员关闭、崩溃、数据库删除 - 不重试
		case pgErrAdminShutdown, pgErrCrashShutdown, pgErrDatabaseDropped:
			return false
		}
	}

	return false
}

// isDuplicateKeyError 判断是否为重复键错误
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL unique_violation
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint")
}
