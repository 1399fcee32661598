// Package session はスレッドごとのメッセージ同期コントローラを提供する。
// 初期ロード・定期ポーリング・過去ページ読み込み・楽観的送信・投票を
// 1つの状態機械としてオーケストレーションする。コレクションの変更は
// 全て単一のミューテックス越しに直列化され、並行する完了処理が
// 読み取り-変更-書き込みを混線させることはない。
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/civicchat/internal/cooldown"
	"github.com/hitoshi/civicchat/internal/merge"
	"github.com/hitoshi/civicchat/internal/metrics"
	"github.com/hitoshi/civicchat/internal/model"
	"github.com/hitoshi/civicchat/internal/storage"
	"github.com/hitoshi/civicchat/internal/transport"
)

// MessageTransport は同期コントローラが必要とするトランスポート操作。
type MessageTransport interface {
	FetchPage(ctx context.Context, threadID string, limit int, ordering string, page int) (*transport.PageResult, error)
	SyncSince(ctx context.Context, threadID, since string) (*transport.SyncResult, error)
	Send(ctx context.Context, threadID, body string) (*model.Message, error)
	CastVote(ctx context.Context, messageID string, direction model.VoteDirection) (*model.Message, error)
}

// State は同期コントローラの状態を表す。
type State string

const (
	// StateIdle はスレッド未選択または未認証の休止状態。
	StateIdle State = "idle"
	// StateInitialLoading は初期ページ取得中の状態。
	StateInitialLoading State = "initial_loading"
	// StateLive はポーリング稼働中の状態。
	StateLive State = "live"
)

// Identity は認証コラボレータから供給される呼び出しユーザーの情報。
type Identity struct {
	Authenticated bool
	AccessToken   string
	UserID        string
	UserName      string
}

// watermarkKeyPrefix はスレッドごとの同期ウォーターマークを保存するキーの接頭辞。
const watermarkKeyPrefix = "chat:watermark:"

func watermarkKey(threadID string) string {
	return watermarkKeyPrefix + threadID
}

// Controller はアクティブな1スレッドのメッセージコレクションを所有し、
// 同期・送信・投票の全操作を調停する。
//
// 並行性モデル: Send/LoadOlder/Voteは呼び出し元のゴルーチンで完結する
// ブロッキング操作。ポーリングは内部ゴルーチンが駆動する。実行中ガード
// （syncing/sending/loadingOlder）はミューテックス下でチェック＆セットされ、
// 完了時に必ず解除される。スレッド切替は世代カウンタを進め、旧世代の
// 遅延レスポンスはコレクションに適用される前に破棄される。
type Controller struct {
	transport MessageTransport
	cooldown  *cooldown.Limiter
	store     storage.KV
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	syncInterval time.Duration
	pageSize     int

	// onChange は状態変化の通知先。Startの前に設定すること。
	onChange func()

	votes *voteCoordinator

	mu           sync.Mutex
	gen          int // 世代。活性化/リセットごとに加算される
	identity     Identity
	threadID     string
	state        State
	messages     []model.Message
	input        string
	errMsg       string
	errCooldown  bool // errMsgがクールダウン由来かどうか
	watermark    string
	page         int
	hasMore      bool
	syncing      bool
	sending      bool
	loadingOlder bool

	pollCancel     context.CancelFunc
	cooldownCancel context.CancelFunc
}

// NewController はControllerの新しいインスタンスを生成する。
// syncIntervalが0以下の場合は30秒、pageSizeが0以下の場合は50を使用する。
func NewController(
	tr MessageTransport,
	limiter *cooldown.Limiter,
	store storage.KV,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	syncInterval time.Duration,
	pageSize int,
) *Controller {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Controller{
		transport:    tr,
		cooldown:     limiter,
		store:        store,
		metrics:      collector,
		logger:       logger,
		syncInterval: syncInterval,
		pageSize:     pageSize,
		votes:        newVoteCoordinator(),
		state:        StateIdle,
		page:         1,
		hasMore:      true,
	}
}

// SetOnChange は状態変化のコールバックを設定する。Startの前に呼び出すこと。
func (c *Controller) SetOnChange(fn func()) {
	c.onChange = fn
}

// SetIdentity は認証情報を更新する。認証が失われた場合は
// アクティブなスレッドを強制リセットする（Idleへ）。
func (c *Controller) SetIdentity(id Identity) {
	c.mu.Lock()
	c.identity = id
	authLost := (!id.Authenticated || id.AccessToken == "") && c.threadID != ""
	c.mu.Unlock()

	if authLost {
		c.Stop()
	}
}

// Start は指定スレッドを活性化する。既存のスレッドはハードリセットされる
// （コレクション・カーソル・ウォーターマーク・エラーを初期化し、
// その後で初回フェッチを行う）。初期ページの取得に成功するとポーリングを
// 開始する。失敗した場合はエラー状態を設定し、ポーリングは開始しない。
//
// threadIDが空、または未認証の場合はIdleのまま何もフェッチしない。
func (c *Controller) Start(threadID string) error {
	c.mu.Lock()
	c.resetLocked()

	if threadID == "" || !c.identity.Authenticated || c.identity.AccessToken == "" {
		c.mu.Unlock()
		c.notify()
		return nil
	}

	c.threadID = threadID
	c.state = StateInitialLoading

	// 永続化されたウォーターマークがあれば復元する。初期ページが空だった
	// 場合でも、前回見た位置からの差分ポーリングを再開できる。
	if wm, found, err := c.store.Get(watermarkKey(threadID)); err == nil && found {
		c.watermark = wm
	}

	gen := c.gen
	c.mu.Unlock()
	c.notify()

	start := time.Now()
	res, err := c.transport.FetchPage(context.Background(), threadID, c.pageSize, transport.OrderNewestFirst, 1)

	c.mu.Lock()
	if gen != c.gen {
		// フェッチ中にスレッドが切り替わった。結果は破棄する。
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		apiErr := model.NewSyncFailedError()
		c.state = StateIdle
		c.setErrorLocked(apiErr.Message, false)
		c.mu.Unlock()
		c.notify()
		c.logger.Error("初期ページの取得に失敗しました",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return apiErr
	}

	// サーバーは新しい順で返す。表示用コレクションは古い順。
	c.messages = reverseMessages(res.Messages)
	c.hasMore = res.HasMore
	c.page = 1
	if len(res.Messages) > 0 || c.watermark == "" {
		c.watermark = res.SyncTimestamp
	}
	c.state = StateLive

	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.mu.Unlock()
	c.notify()

	c.logger.Info("スレッドを活性化しました",
		slog.String("thread_id", threadID),
		slog.Int("initial_messages", len(res.Messages)),
		slog.Bool("has_more", res.HasMore),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	go c.pollLoop(pollCtx)
	c.startCooldownWatch()
	return nil
}

// Stop はアクティブなスレッドを非活性化する。ポーリングを停止し、
// コレクション・エラー・カーソルを初期化するハードリセット。
func (c *Controller) Stop() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

// resetLocked は状態をIdle相当に初期化する。呼び出し元がmuを保持していること。
func (c *Controller) resetLocked() {
	c.gen++
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.cooldownCancel != nil {
		c.cooldownCancel()
		c.cooldownCancel = nil
	}
	c.threadID = ""
	c.state = StateIdle
	c.messages = nil
	c.errMsg = ""
	c.errCooldown = false
	c.watermark = ""
	c.page = 1
	c.hasMore = true
	c.syncing = false
	c.sending = false
	c.loadingOlder = false
}

// pollLoop は固定間隔でSyncを起動する。コンテキストのキャンセルで停止する。
func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sync()
		}
	}
}

// Sync は差分同期を1回実行する。ポーリングまたは送信成功後の即時同期から
// 呼ばれる。既に同期が実行中の場合、この呼び出しは破棄される（キューしない）。
// 失敗時はエラー状態を設定するのみで、他の状態は変更しない。
// 次のポーリング周期が自然な再試行になる（バックオフなし）。
func (c *Controller) Sync() {
	c.mu.Lock()
	if c.syncing || c.state != StateLive {
		c.mu.Unlock()
		return
	}
	c.syncing = true
	threadID := c.threadID
	since := c.watermark
	gen := c.gen
	c.mu.Unlock()

	start := time.Now()
	res, err := c.transport.SyncSince(context.Background(), threadID, since)
	c.metrics.RecordSyncLatency(time.Since(start))

	c.mu.Lock()
	c.syncing = false
	if gen != c.gen {
		// スレッド切替後に到着した遅延レスポンス。破棄する（エラーでもない）。
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.metrics.RecordSyncFailure()
		c.setErrorLocked(model.NewSyncFailedError().Message, false)
		c.mu.Unlock()
		c.notify()
		c.logger.Error("メッセージ同期に失敗しました",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return
	}

	before := len(c.messages)
	c.messages = merge.Append(c.messages, res.Messages)
	mergedCount := len(c.messages) - before
	c.watermark = res.SyncTimestamp
	hadError := c.errMsg != ""
	c.errMsg = ""
	c.errCooldown = false
	c.metrics.RecordSyncSuccess(mergedCount)
	if err := c.store.Set(watermarkKey(threadID), res.SyncTimestamp); err != nil {
		c.logger.Warn("ウォーターマークの保存に失敗しました",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
	c.mu.Unlock()

	if mergedCount > 0 || hadError {
		c.notify()
	}
}

// LoadOlder は過去メッセージを1ページ読み込み、コレクション先頭にマージする。
// 実行中の読み込みがある場合、またはhasMoreがfalseの場合は何もしない。
// 失敗時はカーソルとコレクションを変更しない（安全に再試行できる）。
func (c *Controller) LoadOlder() error {
	c.mu.Lock()
	if c.state != StateLive || c.loadingOlder || !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	c.loadingOlder = true
	nextPage := c.page + 1
	threadID := c.threadID
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	res, err := c.transport.FetchPage(context.Background(), threadID, c.pageSize, transport.OrderNewestFirst, nextPage)

	c.mu.Lock()
	c.loadingOlder = false
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		apiErr := model.NewLoadOlderFailedError()
		c.setErrorLocked(apiErr.Message, false)
		c.mu.Unlock()
		c.notify()
		c.logger.Error("過去ページの取得に失敗しました",
			slog.String("thread_id", threadID),
			slog.Int("page", nextPage),
			slog.String("error", err.Error()),
		)
		return apiErr
	}

	c.messages = merge.PrependOlder(c.messages, res.Messages)
	c.page = nextPage
	c.hasMore = res.HasMore
	c.metrics.RecordPageLoaded(len(res.Messages))
	c.mu.Unlock()
	c.notify()
	return nil
}

// SetInput は入力バッファを更新する。
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
	c.notify()
}

// Send は入力バッファの内容を送信する。
//
// クールダウン中は待ち時間メッセージを設定してトランスポートに到達する前に
// 拒否する。入力が空白のみ・スレッド未選択・未認証・送信実行中・ユーザー情報
// 欠落の場合は静かに何もしない。
//
// 送信中は楽観的メッセージがコレクション末尾に表示される。成功すると
// クールダウンを開始し、楽観的エントリを除去した上で即時同期を起動して
// 確定メッセージを取り込む。失敗すると楽観的エントリを除去し、入力を
// 復元してエラーを設定する。
func (c *Controller) Send() error {
	c.mu.Lock()

	// クールダウンを最初に確認する
	if secs := c.cooldown.RemainingSeconds(); secs > 0 {
		apiErr := model.NewCooldownActiveError(secs)
		c.setErrorLocked(apiErr.Message, true)
		c.mu.Unlock()
		c.notify()
		return apiErr
	}

	if strings.TrimSpace(c.input) == "" ||
		c.state != StateLive ||
		!c.identity.Authenticated ||
		c.sending ||
		c.identity.UserID == "" ||
		c.identity.UserName == "" {
		c.mu.Unlock()
		return nil
	}

	text := c.input
	c.input = ""

	now := time.Now()
	optimistic := model.Message{
		ID:       model.LocalMessageID(uuid.NewString()),
		ThreadID: c.threadID,
		Author: model.Author{
			ID:       c.identity.UserID,
			FullName: c.identity.UserName,
		},
		Body:      text,
		CreatedAt: now,
		UpdatedAt: now,
		Local:     true,
	}
	c.messages = append(c.messages, optimistic)
	c.sending = true
	c.errMsg = ""
	c.errCooldown = false

	threadID := c.threadID
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	start := time.Now()
	_, err := c.transport.Send(context.Background(), threadID, text)

	c.mu.Lock()
	c.sending = false
	if gen != c.gen {
		// スレッド切替済み。楽観的エントリはリセットで消えている。
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.metrics.RecordSendFailure()
		c.removeMessageLocked(optimistic.ID)
		c.input = text // 再入力なしで再試行できるよう復元する
		apiErr := model.NewSendFailedError()
		c.setErrorLocked(apiErr.Message, false)
		c.mu.Unlock()
		c.notify()
		c.logger.Error("メッセージ送信に失敗しました",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		return apiErr
	}

	c.metrics.RecordSendSuccess(time.Since(start))
	if err := c.cooldown.MarkSent(); err != nil {
		c.logger.Warn("クールダウン記録の保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	// 楽観的エントリを除去する。確定メッセージは直後の同期で取り込まれる。
	c.removeMessageLocked(optimistic.ID)
	c.mu.Unlock()
	c.notify()

	c.startCooldownWatch()
	c.Sync()
	return nil
}

// Vote はメッセージに投票する。同一メッセージへの投票が実行中の場合は
// 静かに何もしない（トランスポートには到達しない）。未認証の場合は
// エラー状態を設定する。成功時は対象メッセージの集計フィールドのみを
// その場で差し替える（全体の再同期は行わない）。
func (c *Controller) Vote(messageID string, direction model.VoteDirection) error {
	c.mu.Lock()
	if !c.identity.Authenticated {
		apiErr := model.NewUnauthenticatedError()
		c.setErrorLocked(apiErr.Message, false)
		c.mu.Unlock()
		c.notify()
		return apiErr
	}
	gen := c.gen
	c.mu.Unlock()

	if !c.votes.tryBegin(messageID) {
		return nil
	}
	// 成否にかかわらず必ず実行中集合から除去する
	defer func() {
		c.votes.end(messageID)
		c.notify()
	}()
	c.notify()

	updated, err := c.transport.CastVote(context.Background(), messageID, direction)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.metrics.RecordVoteFailure()
		apiErr := model.NewVoteFailedError()
		c.setErrorLocked(apiErr.Message, false)
		c.mu.Unlock()
		c.logger.Error("投票に失敗しました",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		return apiErr
	}

	patchVoteAggregate(c.messages, messageID, updated)
	c.metrics.RecordVoteCast(string(direction))
	c.mu.Unlock()
	return nil
}

// startCooldownWatch はクールダウン残り時間の1秒刻みの監視を開始する。
// 残り時間が0になると自身を停止し、クールダウン由来のエラーを消去する。
// 既に監視中、またはクールダウン中でなければ何もしない。
func (c *Controller) startCooldownWatch() {
	c.mu.Lock()
	if c.cooldownCancel != nil || !c.cooldown.Active() {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cooldownCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.cooldown.Active() {
					c.notify()
					continue
				}
				c.mu.Lock()
				if c.cooldownCancel != nil {
					c.cooldownCancel = nil
				}
				if c.errCooldown {
					c.errMsg = ""
					c.errCooldown = false
				}
				c.mu.Unlock()
				c.notify()
				cancel()
				return
			}
		}
	}()
}

// setErrorLocked はエラー状態を設定する。呼び出し元がmuを保持していること。
func (c *Controller) setErrorLocked(msg string, fromCooldown bool) {
	c.errMsg = msg
	c.errCooldown = fromCooldown
}

// removeMessageLocked は指定IDのメッセージをコレクションから除去する。
// 呼び出し元がmuを保持していること。
func (c *Controller) removeMessageLocked(id string) {
	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.messages = kept
}

// notify は登録済みのコールバックに状態変化を通知する。
func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// reverseMessages は新しい順のページを古い順に反転した新しいスライスを返す。
func reverseMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out
}
