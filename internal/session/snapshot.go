package session

import "github.com/hitoshi/civicchat/internal/model"

// Snapshot はコントローラ状態のある時点のコピー。表示層はこれを読むだけで、
// コントローラの内部状態に直接触れることはない。
type Snapshot struct {
	State    State
	ThreadID string

	// Messages は古い順のコレクションのコピー。
	Messages []model.Message

	Input   string
	Error   string
	Sending bool

	HasMore      bool
	LoadingOlder bool

	// CooldownRemaining はクールダウンの残り秒数（切り上げ）。0なら送信可能。
	CooldownRemaining int

	// PendingVotes は投票実行中のメッセージID（ソート済み）。
	PendingVotes []string
}

// OnCooldown はクールダウン中かどうかを返す。
func (s Snapshot) OnCooldown() bool {
	return s.CooldownRemaining > 0
}

// Snapshot は現在の状態のコピーを返す。呼び出しはいつでも安全。
func (c *Controller) Snapshot() Snapshot {
	remaining := c.cooldown.RemainingSeconds()
	pending := c.votes.pending()

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]model.Message, len(c.messages))
	copy(msgs, c.messages)

	return Snapshot{
		State:             c.state,
		ThreadID:          c.threadID,
		Messages:          msgs,
		Input:             c.input,
		Error:             c.errMsg,
		Sending:           c.sending,
		HasMore:           c.hasMore,
		LoadingOlder:      c.loadingOlder,
		CooldownRemaining: remaining,
		PendingVotes:      pending,
	}
}
