package persistence

// Store 抽象了底层的键值存储 (BadgerDB、内存), 只保存不透明的字节块。
// 编码与版本迁移由 statemanager 负责。
type Store interface {
	// Save 原子地写入 key 对应的值, 覆盖旧值
	Save(key string, value []byte) error

	// Load 读取 key 对应的值。key 不存在时返回 (nil, nil)。
	Load(key string) ([]byte, error)

	// Delete 删除 key, key 不存在时不报错
	Delete(key string) error

	Close() error
}
