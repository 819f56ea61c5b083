// Package database 提供数据库连接和管理
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/paiban/carecover/internal/config"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/logger"
)

// PostgreSQL 错误码
const (
	pgUniqueViolation       = "23505"
	pgExclusionViolation    = "23P01"
	pgSerializationFailure  = "40001"
	maxSerializationRetries = 3
	slowQueryThreshold      = 100 * time.Millisecond
)

// DB 数据库连接封装
type DB struct {
	*sql.DB
	cfg *config.DatabaseConfig
}

// New 创建新的数据库连接
func New(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	// 配置连接池
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Msg("数据库连接成功")

	return &DB{DB: db, cfg: cfg}, nil
}

// Wrap 包装已打开的连接
func Wrap(db *sql.DB) *DB {
	return &DB{DB: db}
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	if db.DB != nil {
		logger.Info().Msg("关闭数据库连接")
		return db.DB.Close()
	}
	return nil
}

// Health 健康检查
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Transaction 以默认隔离级别执行事务
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.TransactionWithOptions(ctx, nil, fn)
}

// TransactionWithOptions 执行事务，fn 返回错误或 panic 时回滚
func (db *DB) TransactionWithOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("事务回滚失败: %v (原始错误: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("事务提交失败: %w", err)
	}

	return nil
}

// SerializableTx 以 SERIALIZABLE 隔离级别执行事务
// 序列化失败时整体重试，最多 maxSerializationRetries 次
func (db *DB) SerializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}

	var err error
	for attempt := 1; attempt <= maxSerializationRetries; attempt++ {
		err = db.TransactionWithOptions(ctx, opts, fn)
		if !IsSerializationFailure(err) {
			return err
		}
		logger.Warn().
			Int("attempt", attempt).
			Err(err).
			Msg("事务序列化冲突，重试")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// AdvisoryXactLock 在事务内获取咨询锁，事务结束自动释放
// 键去重后按字典序加锁，保证多键加锁顺序一致
func AdvisoryXactLock(ctx context.Context, tx *sql.Tx, keys ...string) error {
	for _, key := range SortedKeys(keys) {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return fmt.Errorf("获取咨询锁 %s 失败: %w", key, err)
		}
	}
	return nil
}

// SortedKeys 去重并排序
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats 返回数据库统计信息
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// ExecContext 执行SQL语句
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.DB.ExecContext(ctx, query, args...)
	logSlowQuery(query, time.Since(start))
	return result, err
}

// QueryContext 执行查询
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.DB.QueryContext(ctx, query, args...)
	logSlowQuery(query, time.Since(start))
	return rows, err
}

// QueryRowContext 执行单行查询
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}

func logSlowQuery(query string, duration time.Duration) {
	if duration > slowQueryThreshold {
		logger.Warn().
			Str("query", truncateQuery(query)).
			Dur("duration", duration).
			Msg("慢SQL查询")
	}
}

// truncateQuery 截断长查询
func truncateQuery(query string) string {
	if len(query) > 200 {
		return query[:200] + "..."
	}
	return query
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsSerializationFailure 是否为序列化冲突
func IsSerializationFailure(err error) bool {
	return err != nil && pqCode(err) == pgSerializationFailure
}

// IsConflictViolation 是否违反唯一或排他约束
func IsConflictViolation(err error) bool {
	switch pqCode(err) {
	case pgUniqueViolation, pgExclusionViolation:
		return true
	default:
		return false
	}
}

// MapError 将数据库错误映射为应用错误
// 已是 AppError 的原样返回；约束冲突与重试耗尽的序列化冲突视为排班冲突
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.CodeTimeout, op)
	}
	if IsConflictViolation(err) || IsSerializationFailure(err) {
		return apperrors.Wrap(err, apperrors.CodeScheduleConflict, op+": 并发写入冲突")
	}
	return apperrors.Database(op, err)
}
