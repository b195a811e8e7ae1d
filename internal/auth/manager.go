// Package auth は資格情報による認証とステートレスなセッション管理を提供します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// SessionCookieName はセッショントークンを保持するクッキー名です。
	SessionCookieName = "authgate.session-token"
	// CSRFCookieName は CSRF トークン用セッションのクッキー名です。
	CSRFCookieName = "authgate.csrf"

	sessionKeyCSRF = "csrf_token"
	csrfHeader     = "X-CSRF-Token"

	providerID = "credentials"
)

// useSecureCookies は常に false。HTTPS 終端の手前で動かす前提です。
const useSecureCookies = false

// NewCSRFStore は CSRF トークン保存用のクッキーストアを作成します。
func NewCSRFStore(secret string) sessions.Store {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   useSecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

// Options は Manager の動作設定です。
type Options struct {
	SignInPage string
	BasePath   string
}

// Manager は認証 API の各アクションを処理します。
type Manager struct {
	opts     Options
	verifier *Verifier
	issuer   *Issuer
	logger   *zap.Logger
}

// NewManager は認証マネージャーを作成します。
func NewManager(opts Options, verifier *Verifier, issuer *Issuer, logger *zap.Logger) *Manager {
	if opts.SignInPage == "" {
		opts.SignInPage = "/auth/login"
	}
	if opts.BasePath == "" {
		opts.BasePath = "/api/auth"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		verifier: verifier,
		issuer:   issuer,
		logger:   logger,
	}
}

// Handle は catch-all ルートのアクションを振り分けます。
func (m *Manager) Handle(c *gin.Context) {
	action := strings.Join(routeSegments(c), "/")

	switch c.Request.Method {
	case http.MethodGet, http.MethodHead:
		switch action {
		case "csrf":
			m.CSRF(c)
			return
		case "providers":
			m.Providers(c)
			return
		case "session":
			m.Session(c)
			return
		case "signin", "signin/" + providerID:
			m.SignInPage(c)
			return
		}
	case http.MethodPost:
		switch action {
		case "signin/" + providerID, "callback/" + providerID:
			m.Callback(c)
			return
		case "signout":
			m.SignOut(c)
			return
		case "session":
			m.Session(c)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"code":    "NOT_FOUND",
		"message": "unknown auth action",
	})
}

// csrfToken はセッションに保存済みの CSRF トークンを返し、無ければ発行します。
func (m *Manager) csrfToken(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return "", err
	}
	return token, nil
}

// verifyCSRF は送信された CSRF トークンをセッションの値と比較します。
// 失敗時はレスポンスを書き込み false を返します。
func (m *Manager) verifyCSRF(c *gin.Context, received string) bool {
	session := sessions.Default(c)
	expected, ok := session.Get(sessionKeyCSRF).(string)
	if !ok || expected == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_MISSING",
			"message": "CSRF token has not been issued",
		})
		return false
	}

	if received == "" {
		received = c.GetHeader(csrfHeader)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "CSRF_INVALID",
			"message": "CSRF token mismatch",
		})
		return false
	}
	return true
}

func (m *Manager) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, token, int(m.issuer.MaxAge().Seconds()), "/", "", useSecureCookies, true)
}

func (m *Manager) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, "", -1, "/", "", useSecureCookies, true)
}

// safeCallbackURL は同一オリジン内の相対パスだけを許可します。
func safeCallbackURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	return raw
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
