// Package storage はクライアント側の耐久ストレージを提供する。
// クールダウン記録や同期ウォーターマークなど、プロセス再起動をまたいで
// 保持すべき小さなキー値データの永続化に使用する。
package storage

// KV はキー値ストアのインターフェース。
// 実装: PebbleKV（本番・組み込みDB）、MemoryKV（テスト・揮発）。
type KV interface {
	// Get は指定キーの値を取得する。キーが存在しない場合はfoundがfalseになる。
	Get(key string) (value string, found bool, err error)
	// Set は指定キーに値を書き込む。既存の値は上書きされる。
	Set(key, value string) error
	// Delete は指定キーを削除する。存在しないキーの削除はエラーにならない。
	Delete(key string) error
	// Close はストアを閉じる。
	Close() error
}
