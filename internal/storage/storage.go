package storage

import (
	"fmt"
	"strings"

	"github.com/betbot/ordercore/internal/ports"
)

// Store 订单 + 仓位持久化
type Store interface {
	ports.OrderRepository
	ports.PositionRepository
	Close() error
}

// Config 存储配置
type Config struct {
	// Driver: memory | sqlite | badger
	Driver string `yaml:"driver" json:"driver"`
	// Path sqlite 文件路径或 badger 目录
	Path string `yaml:"path" json:"path"`
}

// Open 按 driver 打开存储
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "badger":
		return OpenBadger(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
