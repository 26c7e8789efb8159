package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/ordercore/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（后启动的先关闭）
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞，只执行一次）。
// ctx 应带超时；超时后剩余回调仍会以已取消的 ctx 调用，便于它们尽快释放资源。
// 返回失败的回调数量。
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return 0
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Infof("没有注册的关闭回调")
		return 0
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	failed := 0
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		started := time.Now()
		if err := cb.fn(ctx); err != nil {
			failed++
			logger.Warnf("关闭 %s 失败: %v", cb.name, err)
			continue
		}
		logger.Infof("已关闭 %s (%v)", cb.name, time.Since(started).Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		logger.Warnf("关闭超时: %v", ctx.Err())
	}
	return failed
}
