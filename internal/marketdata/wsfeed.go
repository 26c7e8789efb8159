package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/pkg/syncgroup"
)

// WSConfig 行情 WebSocket 配置
type WSConfig struct {
	URL     string
	Symbols []string
	// ProxyURL 为空时读取 HTTPS_PROXY / HTTP_PROXY
	ProxyURL         string
	HandshakeTimeout time.Duration
	// ReconnectDelay 首次重连等待，之后指数退避到 MaxReconnectDelay
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	// ReadTimeout 超过该时间没有任何消息（含 PONG）视为连接失效
	ReadTimeout time.Duration
}

func (c *WSConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSFeed 推送行情客户端：断线后按指数退避自动重连，
// 每条行情同步调用 handler.OnPriceUpdate。
type WSFeed struct {
	cfg     WSConfig
	handler ports.PriceUpdateHandler
	dialer  websocket.Dialer

	sg     *syncgroup.SyncGroup
	cancel context.CancelFunc

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected  atomic.Bool
	reconnects atomic.Int64
	ticks      atomic.Int64
}

func NewWSFeed(cfg WSConfig, handler ports.PriceUpdateHandler) (*WSFeed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("marketdata: ws url is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("marketdata: price handler is required")
	}
	cfg.applyDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	proxy := cfg.ProxyURL
	if proxy == "" {
		proxy = proxyFromEnv()
	}
	if proxy != "" {
		if u, err := url.Parse(proxy); err != nil {
			mdLog.Warnf("解析代理 URL 失败: %v，将尝试直接连接", err)
		} else {
			dialer.Proxy = http.ProxyURL(u)
			mdLog.Infof("使用代理连接行情 WebSocket: %s", proxy)
		}
	}
	return &WSFeed{cfg: cfg, handler: handler, dialer: dialer, sg: syncgroup.NewSyncGroup()}, nil
}

func proxyFromEnv() string {
	for _, k := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Start 首次连接失败直接返回错误；之后的断线由后台循环重连，直到 ctx 结束或 Close
func (f *WSFeed) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := f.dial(ctx)
	if err != nil {
		cancel()
		return err
	}
	f.cancel = cancel
	f.sg.Go(func() { f.run(ctx, conn) })
	return nil
}

func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("连接行情 WebSocket 失败: %w", err)
	}
	if len(f.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Symbols: f.cfg.Symbols}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("订阅行情失败: %w", err)
		}
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)
	mdLog.Infof("📡 行情 WebSocket 已连接: url=%s symbols=%v", f.cfg.URL, f.cfg.Symbols)
	return conn, nil
}

// run 读循环 + 重连循环
func (f *WSFeed) run(ctx context.Context, conn *websocket.Conn) {
	delay := f.cfg.ReconnectDelay
	for {
		f.serve(ctx, conn)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		for {
			mdLog.Warnf("行情 WebSocket 断开，%v 后重连...", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			f.reconnects.Add(1)
			c, err := f.dial(ctx)
			if err == nil {
				conn = c
				delay = f.cfg.ReconnectDelay
				break
			}
			mdLog.Warnf("重连失败: %v，将再次尝试...", err)
			delay *= 2
			if delay > f.cfg.MaxReconnectDelay {
				delay = f.cfg.MaxReconnectDelay
			}
		}
	}
}

// serve 处理一条连接直到出错或 ctx 结束
func (f *WSFeed) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.pingLoop(connCtx, conn)
	}()
	defer func() {
		stop()
		conn.Close()
		wg.Wait()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				mdLog.Warnf("行情 WebSocket 读取错误: %v", err)
			}
			return
		}
		f.handleMessage(ctx, conn, message)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 唤醒阻塞中的 ReadMessage
			conn.Close()
			return
		case <-ticker.C:
			if err := f.write(conn, []byte("PING")); err != nil {
				mdLog.Warnf("发送 PING 失败: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (f *WSFeed) write(conn *websocket.Conn, msg []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (f *WSFeed) handleMessage(ctx context.Context, conn *websocket.Conn, message []byte) {
	switch string(message) {
	case "PING":
		_ = f.write(conn, []byte("PONG"))
		return
	case "PONG":
		return
	}

	ticks, err := parseTicks(message)
	if err != nil {
		mdLog.Debugf("解析行情消息失败: %v, 消息内容: %s", err, preview(message))
		return
	}
	for _, t := range ticks {
		if !t.IsValid() {
			continue
		}
		f.ticks.Add(1)
		f.handler.OnPriceUpdate(ctx, t.Symbol, t.Price)
	}
}

// parseTicks 支持单条对象或对象数组：{"symbol":"BTC-USD","price":"64000.5"}
func parseTicks(message []byte) ([]*domain.PriceTick, error) {
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "[") {
		var ticks []*domain.PriceTick
		if err := json.Unmarshal(message, &ticks); err != nil {
			return nil, err
		}
		return ticks, nil
	}
	var t domain.PriceTick
	if err := json.Unmarshal(message, &t); err != nil {
		return nil, err
	}
	return []*domain.PriceTick{&t}, nil
}

func preview(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

func (f *WSFeed) Connected() bool { return f.connected.Load() }

func (f *WSFeed) Reconnects() int64 { return f.reconnects.Load() }

// Ticks 已分发的行情条数
func (f *WSFeed) Ticks() int64 { return f.ticks.Load() }

// Close 停止重连并等待后台 goroutine 退出
func (f *WSFeed) Close() {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
	f.sg.Wait()
	mdLog.Infof("行情 WebSocket 已关闭")
}
