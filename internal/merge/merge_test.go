package merge

import (
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/civicchat/internal/model"
)

// msg はテスト用の確定済みメッセージを生成する。secは作成時刻のオフセット秒。
func msg(id string, sec int) model.Message {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return model.Message{
		ID:        id,
		ThreadID:  "thread-1",
		Author:    model.Author{ID: "u1", FullName: "Tanaka Taro"},
		Body:      "message " + id,
		CreatedAt: base.Add(time.Duration(sec) * time.Second),
		UpdatedAt: base.Add(time.Duration(sec) * time.Second),
	}
}

// localMsg はテスト用の楽観的メッセージを生成する。
func localMsg(id string, sec int) model.Message {
	m := msg(id, sec)
	m.ID = model.LocalMessageID(id)
	m.Local = true
	return m
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrder(t *testing.T, got []model.Message, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("メッセージ数 = %d, want %d (ids=%v)", len(got), len(want), ids(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("位置 %d の ID = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestAppend_AppendsNewMessagesAtTail(t *testing.T) {
	current := []model.Message{msg("a", 0), msg("b", 10)}
	incoming := []model.Message{msg("c", 20), msg("d", 30)}

	got := Append(current, incoming)
	assertOrder(t, got, []string{"a", "b", "c", "d"})
}

func TestAppend_KnownIDsOnlyReturnsSameSlice(t *testing.T) {
	current := []model.Message{msg("a", 0), msg("b", 10)}
	incoming := []model.Message{msg("a", 0), msg("b", 10)}

	got := Append(current, incoming)
	if &got[0] != &current[0] || len(got) != len(current) {
		t.Error("既知IDのみのバッチでは参照同一のスライスを返すべき")
	}
}

func TestAppend_Idempotent(t *testing.T) {
	current := []model.Message{msg("a", 0)}
	incoming := []model.Message{msg("b", 10), msg("c", 20)}

	once := Append(current, incoming)
	twice := Append(once, incoming)

	if len(twice) != len(once) {
		t.Fatalf("2回目の適用でメッセージ数が変化した: %d → %d", len(once), len(twice))
	}
	assertOrder(t, twice, ids(once))
}

func TestAppend_LocalsStayAtTail(t *testing.T) {
	current := []model.Message{msg("a", 0), localMsg("p", 100)}
	incoming := []model.Message{msg("b", 10)}

	got := Append(current, incoming)
	assertOrder(t, got, []string{"a", "b", model.LocalMessageID("p")})
	if !got[len(got)-1].Local {
		t.Error("末尾のメッセージは楽観的メッセージであるべき")
	}
}

func TestAppend_NoDuplicateIDs(t *testing.T) {
	current := []model.Message{msg("a", 0), msg("b", 10), localMsg("p", 100)}
	// 既知ID・バッチ内重複を含むバッチ
	incoming := []model.Message{msg("b", 10), msg("c", 20), msg("c", 20)}

	got := Append(current, incoming)

	seen := make(map[string]int)
	for _, m := range got {
		seen[m.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("ID %s が %d 回出現した", id, n)
		}
	}
}

func TestAppend_EmptyCurrent(t *testing.T) {
	got := Append(nil, []model.Message{msg("a", 0)})
	assertOrder(t, got, []string{"a"})
}

func TestPrependOlder_ReversesAndPrepends(t *testing.T) {
	current := []model.Message{msg("e", 40), msg("f", 50)}
	// サーバーのページは新しい順
	olderPage := []model.Message{msg("d", 30), msg("c", 20), msg("b", 10)}

	got := PrependOlder(current, olderPage)
	assertOrder(t, got, []string{"b", "c", "d", "e", "f"})
}

func TestPrependOlder_DoesNotTouchTail(t *testing.T) {
	current := []model.Message{msg("c", 20), localMsg("p", 100)}
	olderPage := []model.Message{msg("b", 10), msg("a", 0)}

	got := PrependOlder(current, olderPage)
	assertOrder(t, got, []string{"a", "b", "c", model.LocalMessageID("p")})
}

func TestPrependOlder_KnownIDsOnlyReturnsSameSlice(t *testing.T) {
	current := []model.Message{msg("a", 0), msg("b", 10)}
	olderPage := []model.Message{msg("b", 10), msg("a", 0)}

	got := PrependOlder(current, olderPage)
	if len(got) != len(current) || &got[0] != &current[0] {
		t.Error("既知IDのみのページでは参照同一のスライスを返すべき")
	}
}

// TestMergeSequence_OrderingInvariant は確定マージとページネーションマージを
// 任意に織り交ぜても作成時刻の非減少順が保たれることを検証する。
func TestMergeSequence_OrderingInvariant(t *testing.T) {
	var collection []model.Message

	// 初期ロード: 50〜59秒のメッセージ
	initial := make([]model.Message, 0, 10)
	for i := 0; i < 10; i++ {
		initial = append(initial, msg(fmt.Sprintf("m%02d", 50+i), 50+i))
	}
	collection = Append(collection, initial)

	// 同期で新着
	collection = Append(collection, []model.Message{msg("m60", 60), msg("m61", 61)})

	// 過去ページ（新しい順で到着）
	older := []model.Message{msg("m49", 49), msg("m48", 48), msg("m47", 47)}
	collection = PrependOlder(collection, older)

	// さらに同期
	collection = Append(collection, []model.Message{msg("m62", 62)})

	for i := 1; i < len(collection); i++ {
		if collection[i].CreatedAt.Before(collection[i-1].CreatedAt) {
			t.Errorf("位置 %d で作成時刻が減少した: %s → %s",
				i, collection[i-1].ID, collection[i].ID)
		}
	}
}
