package cache

import (
	"sync"
	"time"
)

// MemoryCache 带TTL的进程内缓存。桥接服务用它缓存搜索结果和
// 文件夹计数这类读多写少的响应。
type MemoryCache struct {
	mutex sync.RWMutex
	items map[string]*item
	stop  chan struct{}
}

type item struct {
	value     interface{}
	expiresAt time.Time
}

func (i *item) expired() bool {
	return time.Now().After(i.expiresAt)
}

// NewMemoryCache 创建内存缓存并启动过期清理
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]*item),
		stop:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Set 写入缓存项，ttl必须为正
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items[key] = &item{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get 读取缓存项，过期项当作不存在
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	it, ok := c.items[key]
	c.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	if it.expired() {
		c.Delete(key)
		return nil, false
	}
	return it.value, true
}

// Delete 删除缓存项
func (c *MemoryCache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, key)
}

// DeletePrefix 删除所有带指定前缀的缓存项，写路径用它做失效
func (c *MemoryCache) DeletePrefix(prefix string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.items, key)
		}
	}
}

// Clear 清空所有缓存项
func (c *MemoryCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items = make(map[string]*item)
}

// Size 有效缓存项数量
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	count := 0
	for _, it := range c.items {
		if !it.expired() {
			count++
		}
	}
	return count
}

// Close 停止清理协程
func (c *MemoryCache) Close() {
	close(c.stop)
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, it := range c.items {
		if it.expired() {
			delete(c.items, key)
		}
	}
}
