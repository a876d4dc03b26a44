// Package cache 解密区域的两级缓存：进程内 FIFO + Redis 共享层。
package cache

import "sync"

// FIFO 有容量上限的进程内缓存，超出容量时淘汰最早插入的条目。
// 条目插入后不可修改，调用方不得改写返回的切片。
type FIFO struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string][]byte
	order    []string
}

func NewFIFO(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{
		capacity: capacity,
		entries:  make(map[string][]byte, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *FIFO) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put 已存在的键只替换值，不改变其淘汰顺序
func (c *FIFO) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = value
		return
	}

	c.entries[key] = value
	c.order = append(c.order, key)
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *FIFO) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *FIFO) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
