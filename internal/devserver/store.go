// Package devserver はメッセージAPIのインメモリ参照実装を提供する。
// ローカル開発と結合テストで本物のバックエンドの代わりに使用する。
// ワイヤ形式（ページネーション・差分同期・投票のトグル挙動）は
// 本番APIの契約に合わせてある。
package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/civicchat/internal/model"
)

// messageStore はスレッドごとのメッセージと投票を保持するインメモリストア。
type messageStore struct {
	mu       sync.Mutex
	messages []model.Message          // 追加順（古い順）
	votes    map[string]map[string]int // messageID -> userID -> +1/-1
	now      func() time.Time
}

func newMessageStore() *messageStore {
	return &messageStore{
		votes: make(map[string]map[string]int),
		now:   time.Now,
	}
}

// add はメッセージを作成して保存し、保存されたコピーを返す。
func (s *messageStore) add(threadID string, author model.Author, body string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	msg := model.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Author:    author,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages = append(s.messages, msg)
	return msg
}

// page は指定スレッドのメッセージを新しい順で1ページ返す。
// 戻り値はページ内容・スレッド全体の件数・次ページの有無。
func (s *messageStore) page(threadID string, limit, pageNum int, forUser string) ([]model.Message, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var thread []model.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			thread = append(thread, m)
		}
	}

	// 新しい順に反転
	newest := make([]model.Message, 0, len(thread))
	for i := len(thread) - 1; i >= 0; i-- {
		newest = append(newest, s.decorateLocked(thread[i], forUser))
	}

	start := (pageNum - 1) * limit
	if start >= len(newest) {
		return []model.Message{}, len(newest), false
	}
	end := start + limit
	if end > len(newest) {
		end = len(newest)
	}
	return newest[start:end], len(newest), end < len(newest)
}

// since は指定時刻より後に作成されたメッセージを古い順で返す。
// sinceがゼロ値の場合は全件を返す。
func (s *messageStore) since(threadID string, since time.Time, forUser string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Message{}
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		out = append(out, s.decorateLocked(m, forUser))
	}
	return out
}

// vote は投票を適用し、更新後のメッセージを返す。
// 同一ユーザーが同じ値で再投票した場合は投票を取り消す（トグルオフ）。
// 異なる値の場合は投票を差し替える。対象が存在しなければfalseを返す。
func (s *messageStore) vote(messageID, userID string, value int) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Message{}, false
	}

	byUser := s.votes[messageID]
	if byUser == nil {
		byUser = make(map[string]int)
		s.votes[messageID] = byUser
	}

	if byUser[userID] == value {
		delete(byUser, userID)
	} else {
		byUser[userID] = value
	}
	s.messages[idx].UpdatedAt = s.now().UTC()

	return s.decorateLocked(s.messages[idx], userID), true
}

// decorateLocked は投票集計と呼び出しユーザー自身の投票状態を埋めた
// コピーを返す。呼び出し元がmuを保持していること。
func (s *messageStore) decorateLocked(m model.Message, forUser string) model.Message {
	up, down := 0, 0
	for _, v := range s.votes[m.ID] {
		if v > 0 {
			up++
		} else {
			down++
		}
	}
	m.UpvoteCount = up
	m.DownvoteCount = down
	m.TotalVotes = up + down

	m.UserVote = nil
	if forUser != "" {
		if v, ok := s.votes[m.ID][forUser]; ok {
			dir := model.VoteUpvote
			if v < 0 {
				dir = model.VoteDownvote
			}
			m.UserVote = &dir
		}
	}
	return m
}
