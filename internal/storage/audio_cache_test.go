// internal/storage/audio_cache_test.go
package storage

import (
	"fmt"
	"testing"
)

func TestCacheKey_Deterministic(t *testing.T) {
	k1 := CacheKey("voice-1", "hello")
	k2 := CacheKey("voice-1", "hello")
	if k1 != k2 {
		t.Error("相同输入应产生相同的键")
	}

	if CacheKey("voice-2", "hello") == k1 {
		t.Error("不同voice应产生不同的键")
	}
	if CacheKey("voice-1", "hello ") == k1 {
		t.Error("文本必须精确匹配，含空白差异")
	}
}

func TestAudioCache_GetPut(t *testing.T) {
	cache := NewAudioCache(10)

	key := CacheKey("v", "t")
	if _, ok := cache.Get(key); ok {
		t.Error("未写入的键不应命中")
	}

	cache.Put(key, []byte("audio"))
	data, ok := cache.Get(key)
	if !ok || string(data) != "audio" {
		t.Errorf("写入后应命中并返回原数据, ok=%v data=%q", ok, data)
	}
}

func TestAudioCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewAudioCache(3)

	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("k%d", i), []byte{byte(i)})
	}

	// 访问k0让它变成最近使用
	cache.Get("k0")

	// 第4条挤掉最久未用的k1
	cache.Put("k3", []byte{3})

	if _, ok := cache.Get("k1"); ok {
		t.Error("k1应已被淘汰")
	}
	if _, ok := cache.Get("k0"); !ok {
		t.Error("刚访问过的k0不应被淘汰")
	}
	if cache.Len() != 3 {
		t.Errorf("容量应保持3，实际%d", cache.Len())
	}
}

func TestAudioCache_UpdateExistingKey(t *testing.T) {
	cache := NewAudioCache(2)

	cache.Put("k", []byte("old"))
	cache.Put("k", []byte("new"))

	data, ok := cache.Get("k")
	if !ok || string(data) != "new" {
		t.Errorf("重复写入应覆盖旧值: %q", data)
	}
	if cache.Len() != 1 {
		t.Errorf("重复写入不应增加条目数，实际%d", cache.Len())
	}
}
