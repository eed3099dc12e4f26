package tokenstore

import (
	"database/sql"
	"fmt"
)

// サポートするドライバ。
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Dependencies はドライバが必要とする外部ハンドル。
type Dependencies struct {
	DB *sql.DB
}

// New は設定に応じたStorageを生成する。
func New(cfg Config, deps Dependencies) (Storage, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(cfg), nil
	case DriverPostgres:
		if deps.DB == nil {
			return nil, fmt.Errorf("postgres driver requires database handle")
		}
		return NewPostgres(deps.DB, cfg), nil
	case DriverRedis:
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("unsupported token store driver: %s", driver)
	}
}
