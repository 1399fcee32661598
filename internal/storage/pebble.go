package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV はPebbleを使用したKVの実装。
// 単一プロセスからの利用を前提とする（Pebbleはプロセス間共有をサポートしない）。
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebble は指定パスにPebbleデータベースを開く（存在しない場合は作成する）。
func OpenPebble(path string) (*PebbleKV, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbleデータベースのオープンに失敗: %w", err)
	}
	return &PebbleKV{db: db}, nil
}

// Get は指定キーの値を取得する。KVインターフェースを実装する。
func (p *PebbleKV) Get(key string) (string, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("キーの読み取りに失敗: %w", err)
	}
	defer closer.Close()

	// closerが閉じられた後もvalueを使えるようコピーする
	value := string(v)
	return value, true, nil
}

// Set は指定キーに値を同期書き込みする。KVインターフェースを実装する。
func (p *PebbleKV) Set(key, value string) error {
	if err := p.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("キーの書き込みに失敗: %w", err)
	}
	return nil
}

// Delete は指定キーを削除する。KVインターフェースを実装する。
func (p *PebbleKV) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("キーの削除に失敗: %w", err)
	}
	return nil
}

// Close はデータベースを閉じる。
func (p *PebbleKV) Close() error {
	return p.db.Close()
}
