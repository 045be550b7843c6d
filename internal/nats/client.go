package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gaspareduard/PlateifyAPP/internal/config"
)

// Client 变更通知使用的 NATS 连接
// 断线期间发布的通知会丢失，重连后通过 OnReconnect 注册的回调让订阅方重新查询
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu    sync.Mutex
	hooks []func()
}

// NewClient 连接 NATS，cfg.MaxReconnects 为负数时无限重连
func NewClient(cfg config.NATSConfig) (*Client, error) {
	c := &Client{logger: slog.Default()}

	opts := []nats.Option{
		nats.Name("plateifyd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("Change feed disconnected", "url", cfg.URL, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.reconnected(nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Info("Change feed connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// OnReconnect 注册重连回调，回调在 NATS 内部协程中执行，不能阻塞
func (c *Client) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Client) reconnected(url string) {
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	c.logger.Info("Change feed reconnected", "url", url, "hooks", len(hooks))
	for _, fn := range hooks {
		fn()
	}
}

// Conn 底层连接
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close 先 drain 再关闭，已发布的变更通知会被送达
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("Change feed drain failed", "error", err)
		c.conn.Close()
	}
}

// IsConnected 连接是否可用
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
