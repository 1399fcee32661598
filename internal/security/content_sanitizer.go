// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はサーバーから受信したメッセージ本文をサニタイズし、
// XSS攻撃などのセキュリティリスクから表示側を保護する。
// チャット本文はプレーンテキスト契約のため、bluemondayのStrictPolicyで
// 全てのHTMLタグを除去する。
package security

import "github.com/microcosm-cc/bluemonday"

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェースを定義する。
// トランスポート層がメッセージをデコードした直後に適用する。
type ContentSanitizerService interface {
	// Sanitize は本文から全てのHTMLタグを除去したテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicy（許可タグなし）を使用する。scriptタグはもちろん、
// 装飾タグも含めて全て除去される。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はContentSanitizerServiceインターフェースを実装する。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return s.policy.Sanitize(raw)
}
