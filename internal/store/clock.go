package store

import (
	"sync"
	"time"
)

// Clock 服务端时钟，同一实例返回的时间严格递增
type Clock struct {
	mu       sync.Mutex
	lastTime time.Time
	nowFunc  func() time.Time
}

// NewClock 创建服务端时钟
func NewClock() *Clock {
	return &Clock{nowFunc: time.Now}
}

// Now 返回下一个服务端时间，时钟回拨或同一时刻时在上次时间上加 1 微秒
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc().UTC().Truncate(time.Microsecond)
	if !now.After(c.lastTime) {
		now = c.lastTime.Add(time.Microsecond)
	}
	c.lastTime = now
	return now
}
