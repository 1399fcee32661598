package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/civicchat/internal/model"
	"github.com/hitoshi/civicchat/internal/security"
)

// messageHandler はメッセージAPIの各エンドポイントを実装する。
type messageHandler struct {
	store     *messageStore
	sanitizer security.ContentSanitizerService
}

// pageResponse はページネーションエンドポイントのレスポンス形式。
type pageResponse struct {
	Count    int             `json:"count"`
	Next     *string         `json:"next"`
	Previous *string         `json:"previous"`
	Results  []model.Message `json:"results"`
}

// syncResponse は差分同期エンドポイントのレスポンス形式。
type syncResponse struct {
	Messages []model.Message `json:"messages"`
}

// listMessages はGET /api/messages/を処理する。
// thread_id必須。limit（デフォルト50）、page（デフォルト1）、
// ordering（-created_atのみ対応）を受け付ける。
func (h *messageHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "thread_id は必須です。")
		return
	}

	limit := queryInt(r, "limit", 50)
	pageNum := queryInt(r, "page", 1)
	if limit < 1 || pageNum < 1 {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit と page は1以上を指定してください。")
		return
	}

	user, _ := userFromContext(r.Context())
	results, total, hasMore := h.store.page(threadID, limit, pageNum, user.ID)

	var next, previous *string
	if hasMore {
		u := fmt.Sprintf("/api/messages/?thread_id=%s&limit=%d&page=%d", threadID, limit, pageNum+1)
		next = &u
	}
	if pageNum > 1 {
		u := fmt.Sprintf("/api/messages/?thread_id=%s&limit=%d&page=%d", threadID, limit, pageNum-1)
		previous = &u
	}

	writeJSON(w, http.StatusOK, pageResponse{
		Count:    total,
		Next:     next,
		Previous: previous,
		Results:  results,
	})
}

// syncMessages はGET /api/messages/sync/を処理する。
// sinceが指定された場合、その時刻より後に作成されたメッセージのみ返す。
func (h *messageHandler) syncMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "thread_id は必須です。")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "since はRFC 3339形式で指定してください。")
			return
		}
		since = parsed
	}

	user, _ := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, syncResponse{
		Messages: h.store.since(threadID, since, user.ID),
	})
}

// createMessage はPOST /api/messages/を処理する。
// 投稿者はベアラートークンから導出する（リクエストボディでは指定できない）。
func (h *messageHandler) createMessage(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "認証が必要です。")
		return
	}

	var req struct {
		Thread  string `json:"thread"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "リクエストボディが不正です。")
		return
	}
	if req.Thread == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "thread と message は必須です。")
		return
	}

	body := h.sanitizer.Sanitize(req.Message)
	msg := h.store.add(req.Thread, model.Author{ID: user.ID, FullName: user.Name}, body)
	writeJSON(w, http.StatusCreated, msg)
}

// castVote はPOST /api/votes/を処理する。
// 同一ユーザーが同じ値で再投票すると投票を取り消す（トグルオフ）。
func (h *messageHandler) castVote(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "認証が必要です。")
		return
	}

	var req struct {
		Message string `json:"message"`
		Value   int    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "リクエストボディが不正です。")
		return
	}
	if req.Value != 1 && req.Value != -1 {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "value は +1 または -1 を指定してください。")
		return
	}

	updated, found := h.store.vote(req.Message, user.ID, req.Value)
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "対象のメッセージが存在しません。")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError は統一エラーフォーマットのJSONレスポンスを書き込む。
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
