package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWT署名秘密鍵。
const testSecret = "test-secret-key-for-auth-service-0123456789"

// notificationRecorder は通知サービスのモック。
type notificationRecorder struct {
	mu        sync.Mutex
	requests  []notifyRequest
	requestID []string
}

// received は受け取った通知を返す。
func (n *notificationRecorder) received() ([]notifyRequest, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyRequest(nil), n.requests...), append([]string(nil), n.requestID...)
}

// testEnv はテスト用の認証サービスと周辺の部品。
type testEnv struct {
	server *Server
	clock  *clockwork.FakeClock
	codec  *token.Codec
	notify *notificationRecorder
}

// setupTestServer はインメモリSQLiteと通知サービスのモックで認証サーバーを構築する。
// notifyStatusが0以外の場合、通知サービスはそのステータスを返す。
func setupTestServer(t *testing.T, notifyStatus int) *testEnv {
	t.Helper()

	rec := &notificationRecorder{}
	notification := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req notifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rec.mu.Lock()
		rec.requests = append(rec.requests, req)
		rec.requestID = append(rec.requestID, r.Header.Get(middleware.HeaderRequestID))
		rec.mu.Unlock()

		if notifyStatus != 0 {
			w.WriteHeader(notifyStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"mock-notification-id"}`))
	}))
	t.Cleanup(notification.Close)

	cfg := DefaultConfig()
	cfg.DatabasePath = ":memory:"
	cfg.JWT.Secret = testSecret
	cfg.BcryptCost = bcrypt.MinCost
	cfg.NotificationURL = notification.URL

	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	s, err := NewServer(context.Background(), cfg, nil, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	codec, err := token.NewCodec(cfg.JWT, token.WithClock(clock))
	require.NoError(t, err)

	return &testEnv{server: s, clock: clock, codec: codec, notify: rec}
}

// do は認証サービスにリクエストを送る。
func (e *testEnv) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// register はテスト用のユーザーを登録してレスポンスを返す。
func (e *testEnv) register(t *testing.T, email, password string) tokenResponse {
	t.Helper()

	w := e.do(http.MethodPost, "/api/auth/register", gin.H{
		"email":    email,
		"password": password,
		"name":     "山田 太郎",
		"farm_id":  "farm-7",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// errorKind はエラーレスポンスの分類を返す。
func errorKind(t *testing.T, w *httptest.ResponseRecorder) apierror.Kind {
	t.Helper()

	var body apierror.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func TestHandleRegister(t *testing.T) {
	t.Parallel()

	t.Run("farmerとして登録され検証可能なトークンが発行されること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)

		resp := env.register(t, "Taro@Example.com", "correct-horse")

		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, int64(token.DefaultAccessTTL/time.Second), resp.ExpiresIn)
		assert.Equal(t, "taro@example.com", resp.User.Email)
		assert.Equal(t, "farmer", resp.User.Role)
		assert.Equal(t, "farm-7", resp.User.FarmID)

		identity, err := env.codec.VerifyAccess(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, resp.User.ID, identity.Subject)
		assert.Equal(t, rbac.RoleFarmer, identity.Role)
		assert.Equal(t, "farm-7", identity.FarmID)

		_, err = env.codec.VerifyAccess(resp.RefreshToken)
		assert.ErrorIs(t, err, token.ErrInvalidToken, "リフレッシュトークンはアクセストークンとして使えない")
	})

	t.Run("登録済みのメールアドレスは409になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		env.register(t, "taro@example.com", "correct-horse")

		w := env.do(http.MethodPost, "/api/auth/register", gin.H{
			"email":    "TARO@example.com",
			"password": "another-password",
		}, nil)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, apierror.KindConflict, errorKind(t, w))
	})

	tests := []struct {
		name string
		body gin.H
	}{
		{name: "メールアドレスが無い", body: gin.H{"password": "correct-horse"}},
		{name: "メールアドレスの形式が不正", body: gin.H{"email": "not-an-email", "password": "correct-horse"}},
		{name: "パスワードが短い", body: gin.H{"email": "a@example.com", "password": "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合は400になること", func(t *testing.T) {
			t.Parallel()

			env := setupTestServer(t, 0)

			w := env.do(http.MethodPost, "/api/auth/register", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, apierror.KindBadRequest, errorKind(t, w))
		})
	}
}

func TestHandleLogin(t *testing.T) {
	t.Parallel()

	t.Run("正しいパスワードでトークンが発行されること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		registered := env.register(t, "taro@example.com", "correct-horse")

		w := env.do(http.MethodPost, "/api/auth/login", gin.H{
			"email":    "taro@example.com",
			"password": "correct-horse",
		}, nil)

		require.Equal(t, http.StatusOK, w.Code)
		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, registered.User.ID, resp.User.ID)
		assert.NotEmpty(t, resp.AccessToken)

		user, err := env.server.store.GetUserByID(context.Background(), registered.User.ID)
		require.NoError(t, err)
		assert.True(t, user.LastLoginAt.Equal(env.clock.Now()))
	})

	t.Run("誤ったパスワードと存在しないユーザーは同じ401になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		env.register(t, "taro@example.com", "correct-horse")

		wrong := env.do(http.MethodPost, "/api/auth/login", gin.H{
			"email":    "taro@example.com",
			"password": "wrong-password",
		}, nil)
		missing := env.do(http.MethodPost, "/api/auth/login", gin.H{
			"email":    "nobody@example.com",
			"password": "correct-horse",
		}, nil)

		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, http.StatusUnauthorized, missing.Code)
		assert.JSONEq(t, wrong.Body.String(), missing.Body.String())
	})
}

func TestHandleRefresh(t *testing.T) {
	t.Parallel()

	t.Run("リフレッシュトークンでアクセストークンを再発行できること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		registered := env.register(t, "taro@example.com", "correct-horse")
		env.clock.Advance(token.DefaultAccessTTL + time.Minute)

		w := env.do(http.MethodPost, "/api/auth/refresh", gin.H{"refresh_token": registered.RefreshToken}, nil)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		identity, err := env.codec.VerifyAccess(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, registered.User.ID, identity.Subject)
	})

	t.Run("アクセストークンでは再発行できないこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		registered := env.register(t, "taro@example.com", "correct-horse")

		w := env.do(http.MethodPost, "/api/auth/refresh", gin.H{"refresh_token": registered.AccessToken}, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, apierror.KindInvalidToken, errorKind(t, w))
	})

	t.Run("存在しないユーザーのリフレッシュトークンは401になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		orphan, err := env.codec.SignRefresh(token.Subject{ID: "deleted-user", Role: rbac.RoleFarmer})
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/auth/refresh", gin.H{"refresh_token": orphan}, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleRequestAccess(t *testing.T) {
	t.Parallel()

	body := gin.H{
		"email":     "hanako@example.com",
		"name":      "佐藤 花子",
		"farm_name": "さくら農園",
		"message":   "温室のセンサーを管理したい",
	}

	t.Run("申請を保存して管理者に通知すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		header := http.Header{}
		header.Set(middleware.HeaderRequestID, "req-access-1")

		w := env.do(http.MethodPost, "/api/auth/request-access", body, header)

		require.Equal(t, http.StatusAccepted, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "pending", resp["status"])

		pending, err := env.server.store.ListAccessRequests(context.Background(), "pending")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, resp["id"], pending[0].ID)
		assert.Equal(t, "さくら農園", pending[0].FarmName)

		notified, requestIDs := env.notify.received()
		require.Len(t, notified, 1)
		assert.Equal(t, "role:admin", notified[0].Recipient)
		assert.Equal(t, "access_request", notified[0].Kind)
		assert.Contains(t, notified[0].Message, "hanako@example.com")
		assert.Equal(t, []string{"req-access-1"}, requestIDs)
	})

	t.Run("通知サービスが失敗しても申請は受け付けること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, http.StatusInternalServerError)

		w := env.do(http.MethodPost, "/api/auth/request-access", body, nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("氏名が無い場合は400になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)

		w := env.do(http.MethodPost, "/api/auth/request-access", gin.H{"email": "a@example.com"}, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		notified, _ := env.notify.received()
		assert.Empty(t, notified)
	})
}

func TestHandleMe(t *testing.T) {
	t.Parallel()

	t.Run("ゲートウェイが付与した識別情報でユーザーを返すこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)
		registered := env.register(t, "taro@example.com", "correct-horse")
		header := http.Header{}
		header.Set(middleware.HeaderUserID, registered.User.ID)
		header.Set(middleware.HeaderUserRole, "farmer")

		w := env.do(http.MethodGet, "/api/auth/me", nil, header)

		require.Equal(t, http.StatusOK, w.Code)
		var user userResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
		assert.Equal(t, registered.User, user)
	})

	t.Run("識別情報が無い場合は401になること", func(t *testing.T) {
		t.Parallel()

		env := setupTestServer(t, 0)

		w := env.do(http.MethodGet, "/api/auth/me", nil, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleListAccessRequests(t *testing.T) {
	t.Parallel()

	env := setupTestServer(t, 0)
	w := env.do(http.MethodPost, "/api/auth/request-access", gin.H{"email": "a@example.com", "name": "A"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	t.Run("管理者は審査待ちの申請を取得できること", func(t *testing.T) {
		header := http.Header{}
		header.Set(middleware.HeaderUserID, "admin-1")
		header.Set(middleware.HeaderUserRole, "admin")

		w := env.do(http.MethodGet, "/api/auth/access-requests", nil, header)

		require.Equal(t, http.StatusOK, w.Code)
		var list []accessRequestResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, "a@example.com", list[0].Email)
		assert.Equal(t, "2026-04-01T09:00:00Z", list[0].CreatedAt)
	})

	t.Run("farmerは403になること", func(t *testing.T) {
		header := http.Header{}
		header.Set(middleware.HeaderUserID, "farmer-1")
		header.Set(middleware.HeaderUserRole, "farmer")

		w := env.do(http.MethodGet, "/api/auth/access-requests", nil, header)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	env := setupTestServer(t, 0)

	w := env.do(http.MethodGet, "/auth/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"auth"}`, w.Body.String())
}
