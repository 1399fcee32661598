// Package cooldown はメッセージ送信のクールダウン制御を提供する。
// 最終送信時刻を耐久ストレージに記録し、残り時間は常に記録値から導出する。
// メモリ上の経過時間に依存しないため、プロセス再起動後もウィンドウ内であれば
// クールダウンが継続する。
package cooldown

import (
	"strconv"
	"time"

	"github.com/hitoshi/civicchat/internal/storage"
)

// DefaultKey は最終送信時刻を保存するストレージキー。
// クールダウンはスレッド単位ではなくクライアント全体で共有される。
const DefaultKey = "chat:last-send-at"

// Limiter は耐久ストレージに裏付けられた送信クールダウンを管理する。
type Limiter struct {
	store  storage.KV
	window time.Duration
	key    string
	now    func() time.Time // テスト用に差し替え可能
}

// New はLimiterの新しいインスタンスを生成する。
// windowが0以下の場合はデフォルト値15秒を使用する。
func New(store storage.KV, window time.Duration) *Limiter {
	if window <= 0 {
		window = 15 * time.Second
	}
	return &Limiter{
		store:  store,
		window: window,
		key:    DefaultKey,
		now:    time.Now,
	}
}

// Window はクールダウンのウィンドウ長を返す。
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Remaining はクールダウンの残り時間を返す。クールダウン中でなければ0。
// 記録が読めない場合はクールダウンなしとして扱う（記録なしと同じ挙動）。
func (l *Limiter) Remaining() time.Duration {
	raw, found, err := l.store.Get(l.key)
	if err != nil || !found {
		return 0
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}

	lastSend := time.UnixMilli(millis)
	elapsed := l.now().Sub(lastSend)
	remaining := l.window - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds は残り時間を秒単位（切り上げ）で返す。表示用。
func (l *Limiter) RemainingSeconds() int {
	r := l.Remaining()
	if r <= 0 {
		return 0
	}
	return int((r + time.Second - 1) / time.Second)
}

// Active はクールダウン中かどうかを返す。
func (l *Limiter) Active() bool {
	return l.Remaining() > 0
}

// MarkSent は現在時刻を最終送信時刻として記録し、クールダウンを開始する。
// 送信成功時にのみ呼び出すこと。
func (l *Limiter) MarkSent() error {
	millis := strconv.FormatInt(l.now().UnixMilli(), 10)
	return l.store.Set(l.key, millis)
}
