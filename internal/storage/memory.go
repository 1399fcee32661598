package storage

import "sync"

// MemoryKV はメモリ上のKV実装。テストおよび耐久ストレージなしでの起動用。
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV はMemoryKVの新しいインスタンスを生成する。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

// Get は指定キーの値を取得する。KVインターフェースを実装する。
func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set は指定キーに値を書き込む。KVインターフェースを実装する。
func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete は指定キーを削除する。KVインターフェースを実装する。
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close は何もしない。KVインターフェースを実装する。
func (m *MemoryKV) Close() error { return nil }
