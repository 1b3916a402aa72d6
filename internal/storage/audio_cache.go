// internal/storage/audio_cache.go
package storage

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// AudioCache 合成音频的内容寻址LRU缓存。
// 键为 (voiceID, 精确文本)，相同的台词重复播放时不再请求上游合成。
// 入队线程和后台播放线程都会访问，所以用互斥锁保护。
type AudioCache struct {
	mutex   sync.Mutex
	maxSize int
	order   *list.List               // 最近使用的在队尾
	entries map[string]*list.Element // key -> element，element值为*audioCacheEntry
}

type audioCacheEntry struct {
	key  string
	data []byte
}

// NewAudioCache 创建音频缓存
func NewAudioCache(maxSize int) *AudioCache {
	if maxSize <= 0 {
		maxSize = 50
	}

	return &AudioCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// CacheKey 生成 (voiceID, text) 的内容寻址键
func CacheKey(voiceID, text string) string {
	sum := sha256.Sum256([]byte(voiceID + "|" + text))
	return hex.EncodeToString(sum[:])
}

// Get 查询缓存，命中时把条目移到最近使用位置
func (c *AudioCache) Get(key string) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		return nil, false
	}

	c.order.MoveToBack(elem)
	return elem.Value.(*audioCacheEntry).data, true
}

// Put 写入缓存，超出容量时淘汰最久未使用的条目
func (c *AudioCache) Put(key string, data []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, exists := c.entries[key]; exists {
		elem.Value.(*audioCacheEntry).data = data
		c.order.MoveToBack(elem)
		return
	}

	elem := c.order.PushBack(&audioCacheEntry{key: key, data: data})
	c.entries[key] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*audioCacheEntry).key)
	}
}

// Len 当前缓存条目数
func (c *AudioCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.order.Len()
}
