// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSyncFailed      = "SYNC_FAILED"
	ErrCodeSendFailed      = "SEND_FAILED"
	ErrCodeVoteFailed      = "VOTE_FAILED"
	ErrCodeLoadOlderFailed = "LOAD_OLDER_FAILED"
	ErrCodeCooldownActive  = "COOLDOWN_ACTIVE"
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeRequestFailed   = "REQUEST_FAILED"
)

// NewSyncFailedError はメッセージ同期失敗エラーを生成する。
func NewSyncFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  "メッセージの取得に失敗しました。",
		Category: "chat",
		Action:   "しばらく待ってから再度お試しください。次回の自動同期でも再試行されます。",
	}
}

// NewSendFailedError はメッセージ送信失敗エラーを生成する。
func NewSendFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSendFailed,
		Message:  "メッセージの送信に失敗しました。",
		Category: "chat",
		Action:   "入力内容は復元されています。再度送信してください。",
	}
}

// NewVoteFailedError は投票失敗エラーを生成する。
func NewVoteFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeVoteFailed,
		Message:  "投票に失敗しました。",
		Category: "chat",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewLoadOlderFailedError は過去メッセージ読み込み失敗エラーを生成する。
func NewLoadOlderFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoadOlderFailed,
		Message:  "過去のメッセージの読み込みに失敗しました。",
		Category: "chat",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCooldownActiveError は送信クールダウン中エラーを生成する。
// secondsには残り秒数を渡す。
func NewCooldownActiveError(seconds int) *APIError {
	return &APIError{
		Code:     ErrCodeCooldownActive,
		Message:  fmt.Sprintf("メッセージは %d 秒後に送信できます。", seconds),
		Category: "validation",
		Action:   "クールダウンが終了するまでお待ちください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "この操作にはサインインが必要です。",
		Category: "auth",
		Action:   "サインインしてから再度お試しください。",
	}
}

// NewRequestFailedError はHTTPリクエスト失敗エラーを生成する。
// statusにはHTTPステータスコード（ネットワークエラー時は0）を渡す。
func NewRequestFailedError(status int, detail string) *APIError {
	msg := "メッセージAPIへのリクエストに失敗しました。"
	if status > 0 {
		msg = fmt.Sprintf("メッセージAPIがステータス %d を返しました。", status)
	}
	if detail != "" {
		msg = msg + " " + detail
	}
	return &APIError{
		Code:     ErrCodeRequestFailed,
		Message:  msg,
		Category: "system",
		Action:   "接続状態を確認し、しばらく待ってから再度お試しください。",
	}
}
