// Package transport はメッセージAPIへのステートレスなHTTPクライアントを提供する。
// ページ取得・差分同期・送信・投票の各操作をリクエスト/レスポンスに変換する。
// リトライやバックオフは行わない（呼び出し元のポーリング周期が自然な再試行になる）。
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/civicchat/internal/model"
	"github.com/hitoshi/civicchat/internal/security"
)

const (
	// OrderNewestFirst は作成時刻の降順（各ページは新しい順）。
	OrderNewestFirst = "-created_at"
	// OrderOldestFirst は作成時刻の昇順。
	OrderOldestFirst = "created_at"
)

// PageResult はページネーション付きメッセージ取得の結果を表す。
// Messagesはサーバーの返却順（新しい順）のまま。古い順への反転は
// 呼び出し元（マージ層）の責務。
type PageResult struct {
	Messages      []model.Message
	HasMore       bool
	SyncTimestamp string
	TotalCount    int
}

// SyncResult は差分同期の結果を表す。
type SyncResult struct {
	Messages      []model.Message
	SyncTimestamp string
}

// Client はメッセージAPIのHTTPクライアント。
// アクセストークンはリクエストごとにtoken関数から取得する（ローテーション対応）。
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
	sanitizer  security.ContentSanitizerService
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// tokenには現在のアクセストークンを返す関数を渡す。未認証時は空文字列を返すこと。
func NewClient(
	httpClient *http.Client,
	baseURL string,
	token func() string,
	sanitizer security.ContentSanitizerService,
	logger *slog.Logger,
) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		sanitizer:  sanitizer,
		logger:     logger,
	}
}

// pageResponse はページネーションエンドポイントのレスポンス形式。
type pageResponse struct {
	Count    int             `json:"count"`
	Next     *string         `json:"next"`
	Previous *string         `json:"previous"`
	Results  []model.Message `json:"results"`
}

// syncResponse は差分同期エンドポイントのレスポンス形式。
// サーバーのバージョンによりmessagesまたはresultsのどちらかで返る。
type syncResponse struct {
	Messages []model.Message `json:"messages"`
	Results  []model.Message `json:"results"`
}

// sendRequest はメッセージ作成リクエストのボディ。
type sendRequest struct {
	Thread  string `json:"thread"`
	Message string `json:"message"`
}

// voteRequest は投票リクエストのボディ。valueは+1（賛成）または-1（反対）。
type voteRequest struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

// FetchPage はスレッドのメッセージを1ページ取得する。
// orderingにはOrderNewestFirst（通常）またはOrderOldestFirstを渡す。
// SyncTimestampはページ先頭（最新）のメッセージの作成時刻から導出する。
// ページが空の場合は現在時刻になる。
func (c *Client) FetchPage(ctx context.Context, threadID string, limit int, ordering string, page int) (*PageResult, error) {
	q := url.Values{}
	q.Set("thread_id", threadID)
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("ordering", ordering)
	q.Set("page", fmt.Sprintf("%d", page))

	var resp pageResponse
	if err := c.getJSON(ctx, "/api/messages/", q, &resp); err != nil {
		return nil, err
	}

	c.sanitizeAll(resp.Results)

	syncTimestamp := formatWatermark(time.Now())
	if len(resp.Results) > 0 {
		syncTimestamp = formatWatermark(resp.Results[0].CreatedAt)
	}

	return &PageResult{
		Messages:      resp.Results,
		HasMore:       resp.Next != nil,
		SyncTimestamp: syncTimestamp,
		TotalCount:    resp.Count,
	}, nil
}

// SyncSince はウォーターマーク以降の新着メッセージを取得する。
// sinceが空文字列の場合、サーバーは直近のベースラインを返す。
// SyncTimestampは末尾（最新）のメッセージの作成時刻から導出する。
// 新着がない場合は現在時刻になる。
func (c *Client) SyncSince(ctx context.Context, threadID, since string) (*SyncResult, error) {
	q := url.Values{}
	q.Set("thread_id", threadID)
	if since != "" {
		q.Set("since", since)
	}

	var resp syncResponse
	if err := c.getJSON(ctx, "/api/messages/sync/", q, &resp); err != nil {
		return nil, err
	}

	messages := resp.Messages
	if messages == nil {
		messages = resp.Results
	}
	c.sanitizeAll(messages)

	syncTimestamp := formatWatermark(time.Now())
	if len(messages) > 0 {
		syncTimestamp = formatWatermark(messages[len(messages)-1].CreatedAt)
	}

	return &SyncResult{
		Messages:      messages,
		SyncTimestamp: syncTimestamp,
	}, nil
}

// Send はスレッドにメッセージを作成する。
// 戻り値は成否の判定にのみ使用すること。作成直後のメッセージが
// SyncSinceで即座に見える保証はない。
func (c *Client) Send(ctx context.Context, threadID, body string) (*model.Message, error) {
	var msg model.Message
	if err := c.postJSON(ctx, "/api/messages/", sendRequest{Thread: threadID, Message: body}, &msg); err != nil {
		return nil, err
	}
	msg.Body = c.sanitizer.Sanitize(msg.Body)
	return &msg, nil
}

// CastVote はメッセージに投票する。
// 既に同じ方向に投票済みの場合、サーバーは投票を取り消す（トグルオフ）。
// これはサーバー側の契約であり、クライアントは返却された集計値のみを信頼する。
func (c *Client) CastVote(ctx context.Context, messageID string, direction model.VoteDirection) (*model.Message, error) {
	if !direction.Valid() {
		return nil, model.NewRequestFailedError(0, fmt.Sprintf("不正な投票方向: %s", direction))
	}

	var msg model.Message
	if err := c.postJSON(ctx, "/api/votes/", voteRequest{Message: messageID, Value: direction.Value()}, &msg); err != nil {
		return nil, err
	}
	msg.Body = c.sanitizer.Sanitize(msg.Body)
	return &msg, nil
}

// getJSON はGETリクエストを実行しレスポンスJSONをデコードする。
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return model.NewRequestFailedError(0, "リクエストの作成に失敗しました。")
	}
	return c.do(req, out)
}

// postJSON はPOSTリクエストを実行しレスポンスJSONをデコードする。
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return model.NewRequestFailedError(0, "リクエストボディの生成に失敗しました。")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return model.NewRequestFailedError(0, "リクエストの作成に失敗しました。")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do はHTTPリクエストを実行する。非2xxレスポンスとネットワークエラーは
// model.APIErrorとして返す（握りつぶさない）。
func (c *Client) do(req *http.Request, out any) error {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メッセージAPIへのリクエストに失敗しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return model.NewRequestFailedError(0, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("メッセージAPIがエラーステータスを返しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewRequestFailedError(resp.StatusCode, "")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewRequestFailedError(0, "レスポンスボディの読み取りに失敗しました。")
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("メッセージAPIのレスポンスのパースに失敗しました",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return model.NewRequestFailedError(0, "レスポンスJSONのパースに失敗しました。")
	}

	c.logger.Debug("メッセージAPIリクエストが完了しました",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// sanitizeAll は受信メッセージ全件の本文をサニタイズする。
func (c *Client) sanitizeAll(msgs []model.Message) {
	for i := range msgs {
		msgs[i].Body = c.sanitizer.Sanitize(msgs[i].Body)
	}
}

// formatWatermark は作成時刻を同期ウォーターマーク文字列に変換する。
// ウォーターマークの形式はサーバーが所有する。クライアントは受け取った
// created_atをそのまま文字列化して返すだけで、解釈はしない。
func formatWatermark(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
