package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options 描述打开数据库所需的驱动与连接串。
// DSN 在 sqlite 下为文件路径，为空时回退到 habitlog.db。
type Options struct {
	Driver   string
	DSN      string
	LogLevel logger.LogLevel
}

// Open 按驱动打开数据库连接并执行自动迁移。
func Open(opts Options) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := strings.TrimSpace(opts.DSN)

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "habitlog.db"
		}
		if !strings.HasPrefix(dsn, "file:") {
			if err := ensureParentDir(dsn); err != nil {
				return nil, err
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("postgres driver requires a DSN")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(level),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate 为旧表、规范化表与幂等日志建表。
// 外键约束不在库层声明，孤儿记录由一致性校验负责发现。
func Migrate(gdb *gorm.DB) error {
	if err := relaxHabitNameIndex(gdb); err != nil {
		return err
	}
	if err := gdb.AutoMigrate(
		&User{},
		&LegacyWeek{},
		&Child{},
		&Week{},
		&Habit{},
		&HabitRecord{},
		&IdempotencyLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// relaxHabitNameIndex 旧版本在 (week_id, name) 上建的是唯一索引，旧表允许同名习惯，删掉后由 AutoMigrate 重建为普通索引
func relaxHabitNameIndex(gdb *gorm.DB) error {
	m := gdb.Migrator()
	if !m.HasTable(&Habit{}) {
		return nil
	}
	indexes, err := m.GetIndexes(&Habit{})
	if err != nil {
		return fmt.Errorf("inspect habit indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name() != "idx_habits_week_name" {
			continue
		}
		if unique, ok := idx.Unique(); ok && unique {
			if err := m.DropIndex(&Habit{}, idx.Name()); err != nil {
				return fmt.Errorf("drop unique habit name index: %w", err)
			}
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.New("database path parent is not a directory")
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}

	return err
}
