// Package merge はメッセージコレクションの再結合（マージ）処理を提供する。
// 確定済み・新着・楽観的の3系統のメッセージ群を、ID重複なし・古い順の
// 1つの列に純粋関数として統合する。副作用を持たず、どの描画層にも依存しない。
package merge

import "github.com/hitoshi/civicchat/internal/model"

// Append は同期で取得した新着確定メッセージをコレクション末尾側へマージする。
//
// アルゴリズム:
//  1. currentを楽観的（Local）と確定済みに分割する。
//  2. 既知ID集合（確定済み∪楽観的）に含まれないincomingだけを残す。
//  3. 新規が1件もなければcurrentをそのまま返す（参照同一。呼び出し元は
//     これを利用して不要な再描画・再書き込みを回避する）。
//  4. 確定済み ++ 新規 ++ 楽観的 の順で結合する。楽観的メッセージが
//     常に末尾（最新側）に位置することは意図した不変条件。
//
// 同一バッチ内のID重複はサーバー契約上想定しない。万一含まれる場合は
// 最初の1件が採用される（保証ではなく前提）。
func Append(current []model.Message, incoming []model.Message) []model.Message {
	unique := filterUnknown(current, incoming)
	if len(unique) == 0 {
		return current
	}

	confirmed := make([]model.Message, 0, len(current))
	locals := make([]model.Message, 0, 1)
	for _, m := range current {
		if m.Local {
			locals = append(locals, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}

	merged := make([]model.Message, 0, len(current)+len(unique))
	merged = append(merged, confirmed...)
	merged = append(merged, unique...)
	merged = append(merged, locals...)
	return merged
}

// PrependOlder はページネーションで取得した過去メッセージをコレクション先頭へ
// マージする。olderPageはサーバーの返却順（新しい順）で渡す。古い順に反転し、
// 既知IDを除外した上で先頭に連結する。末尾（楽観的メッセージの領域）には
// 一切触れない。新規が1件もなければcurrentをそのまま返す（参照同一）。
func PrependOlder(current []model.Message, olderPage []model.Message) []model.Message {
	// 反転（新しい順 → 古い順）してから既知IDを除外する
	reversed := make([]model.Message, 0, len(olderPage))
	for i := len(olderPage) - 1; i >= 0; i-- {
		reversed = append(reversed, olderPage[i])
	}

	unique := filterUnknown(current, reversed)
	if len(unique) == 0 {
		return current
	}

	merged := make([]model.Message, 0, len(current)+len(unique))
	merged = append(merged, unique...)
	merged = append(merged, current...)
	return merged
}

// filterUnknown はcurrentに存在しないIDを持つincomingのみを返す。
// 既知ID集合には楽観的メッセージのIDも含む。
func filterUnknown(current []model.Message, incoming []model.Message) []model.Message {
	existing := make(map[string]struct{}, len(current))
	for _, m := range current {
		existing[m.ID] = struct{}{}
	}

	unique := make([]model.Message, 0, len(incoming))
	for _, m := range incoming {
		if _, ok := existing[m.ID]; ok {
			continue
		}
		// バッチ内重複は最初の1件を採用する
		existing[m.ID] = struct{}{}
		unique = append(unique, m)
	}
	return unique
}
