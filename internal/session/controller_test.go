package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/civicchat/internal/cooldown"
	"github.com/hitoshi/civicchat/internal/metrics"
	"github.com/hitoshi/civicchat/internal/model"
	"github.com/hitoshi/civicchat/internal/storage"
	"github.com/hitoshi/civicchat/internal/transport"
)

// fakeTransport はMessageTransportの関数フィールド型モック。
// 呼び出し記録はミューテックスで保護される。
type fakeTransport struct {
	mu         sync.Mutex
	fetchPages []int    // 要求されたページ番号
	syncSinces []string // 要求されたsince値
	sendBodies []string
	voteIDs    []string

	fetchPageFunc func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error)
	syncSinceFunc func(ctx context.Context, threadID, since string) (*transport.SyncResult, error)
	sendFunc      func(ctx context.Context, threadID, body string) (*model.Message, error)
	castVoteFunc  func(ctx context.Context, messageID string, direction model.VoteDirection) (*model.Message, error)
}

func (f *fakeTransport) FetchPage(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
	f.mu.Lock()
	f.fetchPages = append(f.fetchPages, page)
	f.mu.Unlock()
	if f.fetchPageFunc != nil {
		return f.fetchPageFunc(ctx, threadID, limit, ordering, page)
	}
	return &transport.PageResult{SyncTimestamp: "2026-05-01T00:00:00Z"}, nil
}

func (f *fakeTransport) SyncSince(ctx context.Context, threadID, since string) (*transport.SyncResult, error) {
	f.mu.Lock()
	f.syncSinces = append(f.syncSinces, since)
	f.mu.Unlock()
	if f.syncSinceFunc != nil {
		return f.syncSinceFunc(ctx, threadID, since)
	}
	return &transport.SyncResult{SyncTimestamp: "2026-05-01T00:00:00Z"}, nil
}

func (f *fakeTransport) Send(ctx context.Context, threadID, body string) (*model.Message, error) {
	f.mu.Lock()
	f.sendBodies = append(f.sendBodies, body)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(ctx, threadID, body)
	}
	return &model.Message{ID: "srv-1", ThreadID: threadID, Body: body}, nil
}

func (f *fakeTransport) CastVote(ctx context.Context, messageID string, direction model.VoteDirection) (*model.Message, error) {
	f.mu.Lock()
	f.voteIDs = append(f.voteIDs, messageID)
	f.mu.Unlock()
	if f.castVoteFunc != nil {
		return f.castVoteFunc(ctx, messageID, direction)
	}
	return &model.Message{ID: messageID}, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendBodies)
}

func (f *fakeTransport) voteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.voteIDs)
}

func (f *fakeTransport) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncSinces)
}

var testIdentity = Identity{
	Authenticated: true,
	AccessToken:   "test-token",
	UserID:        "u1",
	UserName:      "Tanaka Taro",
}

// newTestController は手動駆動用のコントローラを生成する。
// ポーリング間隔は十分長く、テストは明示的にSyncを呼ぶ。
func newTestController(tr MessageTransport, window time.Duration) (*Controller, storage.KV) {
	store := storage.NewMemoryKV()
	limiter := cooldown.New(store, window)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := NewController(tr, limiter, store, metrics.Noop{}, logger, time.Hour, 50)
	c.SetIdentity(testIdentity)
	return c, store
}

func confirmedMsg(id string, sec int) model.Message {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return model.Message{
		ID:        id,
		ThreadID:  "thread-1",
		Author:    model.Author{ID: "u2", FullName: "Suzuki Hanako"},
		Body:      "body " + id,
		CreatedAt: base.Add(time.Duration(sec) * time.Second),
		UpdatedAt: base.Add(time.Duration(sec) * time.Second),
	}
}

func snapshotIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitFor は条件が成立するまでポーリングする。タイムアウトでテスト失敗。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が時間内に成立しなかった")
}

func TestStart_LoadsInitialPageOldestFirst(t *testing.T) {
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			if threadID != "thread-1" || limit != 50 || page != 1 {
				t.Errorf("初回フェッチのパラメータが不正: thread=%s limit=%d page=%d", threadID, limit, page)
			}
			if ordering != transport.OrderNewestFirst {
				t.Errorf("ordering = %s, want %s", ordering, transport.OrderNewestFirst)
			}
			return &transport.PageResult{
				// サーバーは新しい順で返す
				Messages:      []model.Message{confirmedMsg("m3", 30), confirmedMsg("m2", 20), confirmedMsg("m1", 10)},
				HasMore:       true,
				SyncTimestamp: "2026-05-01T12:00:30Z",
			}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	s := c.Snapshot()
	if s.State != StateLive {
		t.Errorf("State = %s, want %s", s.State, StateLive)
	}
	if got := snapshotIDs(s); !equalIDs(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("コレクションが古い順になっていない: %v", got)
	}
	if !s.HasMore {
		t.Error("HasMore = false, want true")
	}
}

func TestStart_RequiresAuthentication(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestController(tr, 15*time.Second)
	c.SetIdentity(Identity{})

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	tr.mu.Lock()
	fetches := len(tr.fetchPages)
	tr.mu.Unlock()
	if fetches != 0 {
		t.Errorf("未認証でフェッチが実行された: %d回", fetches)
	}
	if s := c.Snapshot(); s.State != StateIdle {
		t.Errorf("State = %s, want %s", s.State, StateIdle)
	}
}

func TestStart_InitialFetchFailureDoesNotStartPolling(t *testing.T) {
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	c, _ := newTestController(tr, 15*time.Second)

	err := c.Start("thread-1")
	if err == nil {
		t.Fatal("初回フェッチ失敗でエラーが返らなかった")
	}

	s := c.Snapshot()
	if s.State != StateIdle {
		t.Errorf("State = %s, want %s", s.State, StateIdle)
	}
	if s.Error == "" {
		t.Error("エラーメッセージが設定されていない")
	}
	// Syncは稼働状態でのみ動く
	c.Sync()
	if tr.syncCount() != 0 {
		t.Error("非稼働状態で同期が実行された")
	}
}

func TestStart_SwitchingThreadsResetsState(t *testing.T) {
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			msg := confirmedMsg("msg-"+threadID, 10)
			msg.ThreadID = threadID
			return &transport.PageResult{
				Messages:      []model.Message{msg},
				HasMore:       true,
				SyncTimestamp: "2026-05-01T12:00:10Z",
			}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-a"); err != nil {
		t.Fatalf("Start(thread-a) がエラーを返した: %v", err)
	}
	if err := c.Start("thread-b"); err != nil {
		t.Fatalf("Start(thread-b) がエラーを返した: %v", err)
	}

	s := c.Snapshot()
	if s.ThreadID != "thread-b" {
		t.Errorf("ThreadID = %s, want thread-b", s.ThreadID)
	}
	if got := snapshotIDs(s); !equalIDs(got, []string{"msg-thread-b"}) {
		t.Errorf("切替後のコレクションに前スレッドの残留がある: %v", got)
	}

	// カーソルもリセットされている: 次のLoadOlderはページ2を要求する
	if err := c.LoadOlder(); err != nil {
		t.Fatalf("LoadOlder がエラーを返した: %v", err)
	}
	tr.mu.Lock()
	lastPage := tr.fetchPages[len(tr.fetchPages)-1]
	tr.mu.Unlock()
	if lastPage != 2 {
		t.Errorf("切替後の過去ページ要求 = %d, want 2", lastPage)
	}
}

func TestSync_MergesNewMessagesAndAdvancesWatermark(t *testing.T) {
	tr := &fakeTransport{
		syncSinceFunc: func(ctx context.Context, threadID, since string) (*transport.SyncResult, error) {
			return &transport.SyncResult{
				Messages:      []model.Message{confirmedMsg("m1", 10)},
				SyncTimestamp: "2026-05-01T12:00:10Z",
			}, nil
		},
	}
	c, store := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	c.Sync()
	if got := snapshotIDs(c.Snapshot()); !equalIDs(got, []string{"m1"}) {
		t.Fatalf("同期後のコレクション = %v, want [m1]", got)
	}

	// 2回目はウォーターマークが進んでおり、同一メッセージは重複しない
	c.Sync()
	tr.mu.Lock()
	lastSince := tr.syncSinces[len(tr.syncSinces)-1]
	tr.mu.Unlock()
	if lastSince != "2026-05-01T12:00:10Z" {
		t.Errorf("2回目のsince = %s, want 2026-05-01T12:00:10Z", lastSince)
	}
	if got := snapshotIDs(c.Snapshot()); !equalIDs(got, []string{"m1"}) {
		t.Errorf("同一メッセージが重複して取り込まれた: %v", got)
	}

	// ウォーターマークは耐久ストレージにも記録される
	wm, found, err := store.Get("chat:watermark:thread-1")
	if err != nil || !found {
		t.Fatalf("ウォーターマークが保存されていない: found=%v err=%v", found, err)
	}
	if wm != "2026-05-01T12:00:10Z" {
		t.Errorf("保存されたウォーターマーク = %s, want 2026-05-01T12:00:10Z", wm)
	}
}

func TestSync_InFlightCallIsDroppedNotQueued(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{
		syncSinceFunc: func(ctx context.Context, threadID, since string) (*transport.SyncResult, error) {
			<-release
			return &transport.SyncResult{SyncTimestamp: "2026-05-01T12:00:00Z"}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Sync()
		close(done)
	}()
	waitFor(t, func() bool { return tr.syncCount() == 1 })

	// 実行中の同期がある間の呼び出しは破棄される（ブロックもキューもしない）
	c.Sync()
	if tr.syncCount() != 1 {
		t.Errorf("実行中ガードを越えて同期が発射された: %d回", tr.syncCount())
	}

	close(release)
	<-done
	if tr.syncCount() != 1 {
		t.Errorf("破棄された呼び出しが後から実行された: %d回", tr.syncCount())
	}
}

func TestSync_StaleResponseAfterStopIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{
		syncSinceFunc: func(ctx context.Context, threadID, since string) (*transport.SyncResult, error) {
			<-release
			return &transport.SyncResult{
				Messages:      []model.Message{confirmedMsg("stale", 99)},
				SyncTimestamp: "2026-05-01T12:01:39Z",
			}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Sync()
		close(done)
	}()
	waitFor(t, func() bool { return tr.syncCount() == 1 })

	c.Stop()
	close(release)
	<-done

	s := c.Snapshot()
	if s.State != StateIdle {
		t.Errorf("State = %s, want %s", s.State, StateIdle)
	}
	if len(s.Messages) != 0 {
		t.Errorf("停止後に遅延レスポンスが適用された: %v", snapshotIDs(s))
	}
}

func TestSend_OptimisticAppendAndRollbackOnFailure(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{
		sendFunc: func(ctx context.Context, threadID, body string) (*model.Message, error) {
			<-release
			return nil, errors.New("server error")
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	c.SetInput("こんにちは")

	done := make(chan error, 1)
	go func() { done <- c.Send() }()
	waitFor(t, func() bool { return tr.sendCount() == 1 })

	// 送信中: 楽観的メッセージが末尾に表示され、入力はクリアされている
	s := c.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("送信中のコレクション長 = %d, want 1", len(s.Messages))
	}
	opt := s.Messages[len(s.Messages)-1]
	if !opt.Local || !model.IsLocalID(opt.ID) {
		t.Errorf("楽観的メッセージとして追加されていない: %+v", opt)
	}
	if opt.Body != "こんにちは" {
		t.Errorf("楽観的メッセージの本文 = %q", opt.Body)
	}
	if s.Input != "" {
		t.Errorf("送信中に入力がクリアされていない: %q", s.Input)
	}
	if !s.Sending {
		t.Error("Sending = false, want true")
	}

	close(release)
	err := <-done
	if err == nil {
		t.Fatal("送信失敗でエラーが返らなかった")
	}

	// 失敗後: 楽観的エントリは除去され、入力が復元されている
	s = c.Snapshot()
	if len(s.Messages) != 0 {
		t.Errorf("失敗後も楽観的メッセージが残っている: %v", snapshotIDs(s))
	}
	if s.Input != "こんにちは" {
		t.Errorf("入力が復元されていない: %q", s.Input)
	}
	if s.Error == "" {
		t.Error("エラーメッセージが設定されていない")
	}
	if s.Sending {
		t.Error("Sending = true, want false")
	}
}

func TestSend_SuccessStartsCooldownAndResyncs(t *testing.T) {
	confirmed := confirmedMsg("srv-1", 40)
	confirmed.Body = "こんにちは"
	tr := &fakeTransport{
		sendFunc: func(ctx context.Context, threadID, body string) (*model.Message, error) {
			return &confirmed, nil
		},
		syncSinceFunc: func(ctx context.Context, threadID, since string) (*transport.SyncResult, error) {
			return &transport.SyncResult{
				Messages:      []model.Message{confirmed},
				SyncTimestamp: "2026-05-01T12:00:40Z",
			}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	c.SetInput("こんにちは")

	if err := c.Send(); err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}

	s := c.Snapshot()
	// 即時同期で確定メッセージに置き換わっている（楽観的エントリなし）
	if got := snapshotIDs(s); !equalIDs(got, []string{"srv-1"}) {
		t.Errorf("送信後のコレクション = %v, want [srv-1]", got)
	}
	if s.CooldownRemaining <= 0 {
		t.Error("送信成功後にクールダウンが開始されていない")
	}
	if tr.syncCount() != 1 {
		t.Errorf("送信成功後の即時同期回数 = %d, want 1", tr.syncCount())
	}
}

func TestSend_CooldownRejectsBeforeTransport(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	c.SetInput("1通目")
	if err := c.Send(); err != nil {
		t.Fatalf("1通目の送信がエラーを返した: %v", err)
	}

	c.SetInput("2通目")
	err := c.Send()
	if err == nil {
		t.Fatal("クールダウン中の送信が拒否されなかった")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCooldownActive {
		t.Errorf("エラー = %v, want code %s", err, model.ErrCodeCooldownActive)
	}
	// トランスポートには到達していない
	if tr.sendCount() != 1 {
		t.Errorf("クールダウン中に送信リクエストが発射された: %d回", tr.sendCount())
	}
	// 入力は消費されない
	if s := c.Snapshot(); s.Input != "2通目" {
		t.Errorf("拒否された送信で入力が消費された: %q", s.Input)
	}
}

func TestSend_IgnoresBlankInput(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	c.SetInput("   ")

	if err := c.Send(); err != nil {
		t.Fatalf("空白入力の送信がエラーを返した: %v", err)
	}
	if tr.sendCount() != 0 {
		t.Errorf("空白入力で送信リクエストが発射された: %d回", tr.sendCount())
	}
}

func TestLoadOlder_AdvancesCursorOnlyOnSuccess(t *testing.T) {
	failPage3 := true
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			switch page {
			case 1:
				return &transport.PageResult{
					Messages:      []model.Message{confirmedMsg("m4", 40), confirmedMsg("m3", 30)},
					HasMore:       true,
					SyncTimestamp: "2026-05-01T12:00:40Z",
				}, nil
			case 2:
				return &transport.PageResult{
					Messages:      []model.Message{confirmedMsg("m2", 20), confirmedMsg("m1", 10)},
					HasMore:       true,
					SyncTimestamp: "2026-05-01T12:00:40Z",
				}, nil
			case 3:
				if failPage3 {
					return nil, errors.New("timeout")
				}
				return &transport.PageResult{
					Messages:      []model.Message{confirmedMsg("m0", 0)},
					HasMore:       false,
					SyncTimestamp: "2026-05-01T12:00:40Z",
				}, nil
			}
			t.Errorf("想定外のページ要求: %d", page)
			return nil, errors.New("unexpected page")
		},
	}
	c, _ := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	if err := c.LoadOlder(); err != nil {
		t.Fatalf("ページ2の読み込みがエラーを返した: %v", err)
	}
	if got := snapshotIDs(c.Snapshot()); !equalIDs(got, []string{"m1", "m2", "m3", "m4"}) {
		t.Fatalf("ページ2マージ後のコレクション = %v", got)
	}

	// ページ3は失敗する。カーソルは進まない
	if err := c.LoadOlder(); err == nil {
		t.Fatal("ページ3の失敗でエラーが返らなかった")
	}
	if got := snapshotIDs(c.Snapshot()); !equalIDs(got, []string{"m1", "m2", "m3", "m4"}) {
		t.Errorf("失敗した読み込みでコレクションが変化した: %v", got)
	}

	// 再試行は同じページ3を要求する
	failPage3 = false
	if err := c.LoadOlder(); err != nil {
		t.Fatalf("ページ3の再試行がエラーを返した: %v", err)
	}
	s := c.Snapshot()
	if got := snapshotIDs(s); !equalIDs(got, []string{"m0", "m1", "m2", "m3", "m4"}) {
		t.Errorf("ページ3マージ後のコレクション = %v", got)
	}
	if s.HasMore {
		t.Error("最終ページ到達後も HasMore = true")
	}

	// 尽きた後の読み込みは何もしない
	before := len(tr.fetchPages)
	if err := c.LoadOlder(); err != nil {
		t.Fatalf("尽きた後のLoadOlderがエラーを返した: %v", err)
	}
	tr.mu.Lock()
	after := len(tr.fetchPages)
	tr.mu.Unlock()
	if after != before {
		t.Error("hasMore=false でフェッチが実行された")
	}
}

func TestSetIdentity_AuthLossResetsActiveThread(t *testing.T) {
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			return &transport.PageResult{
				Messages:      []model.Message{confirmedMsg("m1", 10)},
				SyncTimestamp: "2026-05-01T12:00:10Z",
			}, nil
		},
	}
	c, _ := newTestController(tr, 15*time.Second)

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	c.SetIdentity(Identity{})

	s := c.Snapshot()
	if s.State != StateIdle {
		t.Errorf("認証喪失後の State = %s, want %s", s.State, StateIdle)
	}
	if len(s.Messages) != 0 {
		t.Errorf("認証喪失後もコレクションが残っている: %v", snapshotIDs(s))
	}
}

func TestStart_RestoresPersistedWatermarkWhenPageEmpty(t *testing.T) {
	tr := &fakeTransport{
		fetchPageFunc: func(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error) {
			return &transport.PageResult{SyncTimestamp: "2026-08-29T00:00:00Z"}, nil
		},
	}
	c, store := newTestController(tr, 15*time.Second)
	defer c.Stop()

	if err := store.Set("chat:watermark:thread-1", "2026-05-01T12:00:10Z"); err != nil {
		t.Fatalf("ウォーターマークの事前保存に失敗: %v", err)
	}

	if err := c.Start("thread-1"); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	// 初期ページが空の場合、最初の同期は保存済みウォーターマークから再開する
	c.Sync()
	tr.mu.Lock()
	lastSince := tr.syncSinces[len(tr.syncSinces)-1]
	tr.mu.Unlock()
	if lastSince != "2026-05-01T12:00:10Z" {
		t.Errorf("復元されたウォーターマークで同期していない: since = %s", lastSince)
	}
}
