package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"

	"TandemSync/internal/apperr"
	"TandemSync/internal/config"
	"TandemSync/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenOptions 打开数据库的选项
type OpenOptions struct {
	ReadOnly bool // 只读模式：sqlite 文件不存在时返回 DatabaseNotFoundError，不做迁移
}

// NewGormLogger 将 GORM 日志输出到 logrus
func NewGormLogger(l *logrus.Logger, logSQL bool) logger.Interface {
	level := logger.Warn
	if logSQL {
		level = logger.Info
	}
	return logger.New(l, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open 按 DSN 前缀选择驱动并完成连接池配置、表结构迁移
func Open(cfg *config.DatabaseConfig, log *logrus.Logger, opts OpenOptions) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:          NewGormLogger(log, cfg.LogSQL),
		CreateBatchSize: 100,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(cfg.DSN, "sqlite://"):
		db, err = openSQLite(cfg, gormCfg, opts)
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
		db, err = openPostgres(cfg, gormCfg, log)
	default:
		return nil, fmt.Errorf("不支持的数据库DSN: %s", cfg.DSN)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "获取SQL DB失败")
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "数据库连接检查失败")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if !opts.ReadOnly {
		if err := Migrate(db); err != nil {
			return nil, err
		}
		log.Info("数据库表结构检查完成（不存在则已创建）")
	}
	return db, nil
}

// Migrate 按依赖顺序迁移四张表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "数据库表结构迁移失败")
	}
	return nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLitePath 从 sqlite://path 中取出文件路径
func SQLitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "sqlite://")
	if idx := strings.Index(p, "?"); idx >= 0 {
		p = p[:idx]
	}
	return p
}

func openSQLite(cfg *config.DatabaseConfig, gormCfg *gorm.Config, opts OpenOptions) (*gorm.DB, error) {
	path := SQLitePath(cfg.DSN)
	if path == "" {
		return nil, fmt.Errorf("sqlite 路径为空")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if opts.ReadOnly {
			return nil, &apperr.DatabaseNotFoundError{Path: path}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "创建数据库目录失败")
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// WAL：读写互不阻塞；_txlock=immediate：写事务开始即持有写锁，保证单写者
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	params.Set("_foreign_keys", "on")
	if opts.ReadOnly {
		params.Set("_query_only", "1")
	} else {
		params.Set("_journal_mode", "WAL")
		params.Set("_txlock", "immediate")
	}
	dsn := "file:" + path + "?" + params.Encode()

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "打开sqlite失败")
	}
	return db, nil
}

func openPostgres(cfg *config.DatabaseConfig, gormCfg *gorm.Config, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "3D000") {
			log.Info("目标数据库不存在，尝试自动创建…")
			if e := ensureDatabaseExists(cfg.DSN); e != nil {
				return nil, apperr.Wrap(e, apperr.KindFatal, apperr.ErrStorage.Code, "创建数据库失败")
			}
			db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		}
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "连接PostgreSQL失败")
		}
	}
	log.Info("PostgreSQL连接成功")
	return db, nil
}

// ensureDatabaseExists 连接到 postgres 默认库并创建目标库（幂等）
func ensureDatabaseExists(dsn string) error {
	admin, dbname, err := adminDSN(dsn)
	if err != nil {
		return err
	}
	if dbname == "" {
		return nil
	}
	db, err := sql.Open("pgx", admin)
	if err != nil {
		return err
	}
	defer db.Close()
	return createDatabaseIfMissing(db, dbname)
}

// adminDSN 将目标库替换为 postgres 默认库；目标即 postgres 时返回空库名
func adminDSN(dsn string) (string, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	dbname := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if dbname == "" || dbname == "postgres" {
		return "", "", nil
	}
	u.Path = "/postgres"
	return u.String(), dbname, nil
}

func createDatabaseIfMissing(db *sql.DB, dbname string) error {
	err := db.QueryRow("SELECT 1 FROM pg_database WHERE datname = $1", dbname).Scan(new(int))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.Exec(`CREATE DATABASE "` + strings.ReplaceAll(dbname, `"`, `""`) + `"`)
		return err
	}
	return err
}
