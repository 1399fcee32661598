package session

import (
	"sort"
	"sync"

	"github.com/hitoshi/civicchat/internal/model"
)

// voteCoordinator はメッセージごとの投票実行中集合を管理する。
// 同一メッセージへの二重投票リクエストを発射前に抑止するためのガードで、
// 集合への出入りはコントローラ本体のミューテックスとは独立に直列化される。
type voteCoordinator struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newVoteCoordinator() *voteCoordinator {
	return &voteCoordinator{
		inflight: make(map[string]struct{}),
	}
}

// tryBegin は指定メッセージの投票を開始登録する。
// 既に実行中の場合はfalseを返し、呼び出し元はリクエストを発射してはならない。
func (v *voteCoordinator) tryBegin(messageID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.inflight[messageID]; exists {
		return false
	}
	v.inflight[messageID] = struct{}{}
	return true
}

// end は指定メッセージの投票完了を登録する。成否にかかわらず呼び出すこと。
func (v *voteCoordinator) end(messageID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.inflight, messageID)
}

// pending は実行中の投票対象メッセージIDをソート済みで返す。
func (v *voteCoordinator) pending() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.inflight))
	for id := range v.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// patchVoteAggregate は投票後のメッセージの集計フィールドのみをその場で
// 差し替える。本文や作成時刻などの他フィールドには触れない。対象IDが
// コレクションに存在しない場合（投票中にスレッドの表示範囲が変わった等）
// は何もしない。
func patchVoteAggregate(msgs []model.Message, messageID string, updated *model.Message) {
	if updated == nil {
		return
	}
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		msgs[i].UpvoteCount = updated.UpvoteCount
		msgs[i].DownvoteCount = updated.DownvoteCount
		msgs[i].TotalVotes = updated.TotalVotes
		msgs[i].UserVote = updated.UserVote
		return
	}
}
