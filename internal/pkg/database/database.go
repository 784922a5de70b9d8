package database

import (
	"fmt"
	"strings"

	"github.com/andr-235/parseVK-sub000/internal/config"
	"github.com/andr-235/parseVK-sub000/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open 根据配置打开数据库连接。
//
// 参数:
//
//	cfg: 数据库配置，Driver 支持 mysql / postgres / sqlite
//
// 返回值:
//
//	*gorm.DB: 数据库句柄（已开启错误翻译，唯一键冲突返回 gorm.ErrDuplicatedKey）
//	error: 连接失败返回错误
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres", "postgresql", "pgx":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// Migrate 创建或更新 listings 表结构。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Listing{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
