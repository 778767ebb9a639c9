package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	_ "github.com/glebarez/go-sqlite"
)

// 支持的方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DB 是带方言信息的连接池。
type DB struct {
	*sql.DB
	Dialect string
}

// Open 建立连接池、验证连通性并执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, fmt.Errorf("不支持的数据库驱动: %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}

	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}

	switch {
	case dialect == DialectSQLite:
		// SQLite 只允许单个写者。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}

	out := &DB{DB: db, Dialect: dialect}
	if err := out.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return out, nil
}

// IsDuplicateKey 判断错误是否由主键或唯一索引冲突导致。
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
