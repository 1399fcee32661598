// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// VoteDirection はメッセージへの投票の方向を表す。
type VoteDirection string

const (
	// VoteUpvote は賛成票。ワイヤ上では +1 として送信される。
	VoteUpvote VoteDirection = "upvote"
	// VoteDownvote は反対票。ワイヤ上では -1 として送信される。
	VoteDownvote VoteDirection = "downvote"
)

// Value は投票方向に対応する符号付きの値（+1 / -1）を返す。
func (d VoteDirection) Value() int {
	if d == VoteDownvote {
		return -1
	}
	return 1
}

// Valid は投票方向がupvote/downvoteのいずれかであるかを返す。
func (d VoteDirection) Valid() bool {
	return d == VoteUpvote || d == VoteDownvote
}

// Author はメッセージの投稿者を表す。
type Author struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// Message はスレッド内の1件のメッセージを表す。
// サーバーで確定したメッセージはイミュータブルとして扱い、
// 投票集計フィールドのみ投票確定時に差し替えられる。
//
// Localがtrueのメッセージは送信中の楽観的プレースホルダであり、
// IDは "local-" 名前空間のクライアント生成値を持つ（サーバーIDと衝突しない）。
type Message struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread"`
	Author        Author         `json:"author"`
	Body          string         `json:"message"`
	IsSolution    bool           `json:"is_solution"`
	UpvoteCount   int            `json:"upvote_count"`
	DownvoteCount int            `json:"downvote_count"`
	TotalVotes    int            `json:"total_votes"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	// UserVote は呼び出しユーザー自身の投票状態。未投票・未認証時はnil。
	UserVote *VoteDirection `json:"user_vote,omitempty"`
	// Local は楽観的メッセージ（サーバー未確定）であることを示す。
	// サーバーには永続化されないクライアント内部フラグ。
	Local bool `json:"-"`
}

// localIDPrefix は楽観的メッセージのID名前空間。
const localIDPrefix = "local-"

// LocalMessageID はクライアント生成の楽観的メッセージIDを生成する。
// suffixには一意な値（UUID等）を渡す。
func LocalMessageID(suffix string) string {
	return localIDPrefix + suffix
}

// IsLocalID は楽観的メッセージのID名前空間に属するIDかを返す。
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
