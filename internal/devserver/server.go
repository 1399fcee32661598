package devserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/civicchat/internal/metrics"
	"github.com/hitoshi/civicchat/internal/model"
	"github.com/hitoshi/civicchat/internal/security"
)

// Config は開発サーバーの設定。
type Config struct {
	// GeneralRatePerMin はユーザーごとのAPI全般のレート制限（req/min）。
	GeneralRatePerMin int
	// SendRatePerMin はユーザーごとのメッセージ送信のレート制限（req/min）。
	SendRatePerMin int
}

// Server はメッセージAPIの開発用サーバー。
type Server struct {
	store    *messageStore
	auth     *authRegistry
	limiter  *rateLimiter
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// New はServerの新しいインスタンスを生成する。
// gathererがnilの場合、/metricsエンドポイントは公開しない。
func New(logger *slog.Logger, gatherer prometheus.Gatherer, config Config) *Server {
	return &Server{
		store:    newMessageStore(),
		auth:     newAuthRegistry(),
		limiter:  newRateLimiter(defaultRateLimiterConfig(config.GeneralRatePerMin, config.SendRatePerMin), logger),
		logger:   logger,
		gatherer: gatherer,
	}
}

// Close はバックグラウンド処理を停止する。
func (s *Server) Close() {
	s.limiter.stop()
}

// RegisterUser はベアラートークンをユーザーに紐付ける。
func (s *Server) RegisterUser(token, userID, userName string) {
	s.auth.register(token, userID, userName)
}

// SeedMessage はメッセージを直接ストアに投入する。起動時の初期データと
// テストのフィクスチャ用。
func (s *Server) SeedMessage(threadID string, author model.Author, body string) model.Message {
	return s.store.add(threadID, author, body)
}

// Handler は全ルートを構成したhttp.Handlerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	loggingMiddleware → requireAuth → rateLimiter(general)
//
// POST /api/messages/ には送信専用のレート制限を追加で適用する。
// /metrics は認証の外に配置する。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(loggingMiddleware(s.logger))

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	h := &messageHandler{
		store:     s.store,
		sanitizer: security.NewContentSanitizer(),
	}

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.auth))
		r.Use(s.limiter.generalMiddleware())

		r.Route("/api/messages", func(r chi.Router) {
			r.Get("/", h.listMessages)
			r.Get("/sync/", h.syncMessages)
			r.With(s.limiter.sendMiddleware()).Post("/", h.createMessage)
		})

		r.Route("/api/votes", func(r chi.Router) {
			r.Post("/", h.castVote)
		})
	})

	return r
}
