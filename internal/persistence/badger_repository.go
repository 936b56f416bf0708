package persistence

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// badgerStore 是 Store 的 BadgerDB 实现
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore 打开 dbPath 处的 BadgerDB。dbPath 为空时使用内存模式, 进程退出后数据丢失。
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// 关闭 badger 自带的日志, 错误仍通过返回值传递
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开状态库失败: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Save(key string, value []byte) error {
	if len(value) == 0 {
		return errors.New("拒绝写入空的状态值")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *badgerStore) Load(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("状态库中 %s 的值为空", key)
	}
	return value, nil
}

func (s *badgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close 关闭数据库连接
func (s *badgerStore) Close() error {
	return s.db.Close()
}
