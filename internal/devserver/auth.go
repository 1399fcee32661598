package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/hitoshi/civicchat/internal/model"
)

// userInfo はトークンに紐付く呼び出しユーザーの情報。
type userInfo struct {
	ID   string
	Name string
}

// authRegistry はベアラートークンとユーザーの対応を保持する。
// 開発用のため、トークンは起動時または実行中に明示的に登録する。
type authRegistry struct {
	mu     sync.RWMutex
	tokens map[string]userInfo
}

func newAuthRegistry() *authRegistry {
	return &authRegistry{tokens: make(map[string]userInfo)}
}

// register はトークンをユーザーに紐付ける。
func (a *authRegistry) register(token, userID, userName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = userInfo{ID: userID, Name: userName}
}

// lookup はトークンに対応するユーザーを返す。
func (a *authRegistry) lookup(token string) (userInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.tokens[token]
	return u, ok
}

type contextKey string

const userContextKey contextKey = "devserver.user"

var errNoUser = errors.New("ユーザーがコンテキストに存在しません")

// userFromContext はリクエストコンテキストから認証済みユーザーを取り出す。
func userFromContext(ctx context.Context) (userInfo, error) {
	u, ok := ctx.Value(userContextKey).(userInfo)
	if !ok {
		return userInfo{}, errNoUser
	}
	return u, nil
}

// requireAuth はAuthorizationヘッダーのベアラートークンを検証し、
// 対応するユーザーをコンテキストに載せるミドルウェアを返す。
func requireAuth(registry *authRegistry) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "認証トークンがありません。")
				return
			}

			user, found := registry.lookup(token)
			if !found {
				writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "認証トークンが無効です。")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
