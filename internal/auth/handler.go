package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type credentialsRequest struct {
	Email       string `json:"email" form:"email"`
	Password    string `json:"password" form:"password"`
	CSRFToken   string `json:"csrfToken" form:"csrfToken"`
	CallbackURL string `json:"callbackUrl" form:"callbackUrl"`
}

type signOutRequest struct {
	CSRFToken   string `json:"csrfToken" form:"csrfToken"`
	CallbackURL string `json:"callbackUrl" form:"callbackUrl"`
}

// CSRF は GET /api/auth/csrf のハンドラーです。
func (m *Manager) CSRF(c *gin.Context) {
	token, err := m.csrfToken(c)
	if err != nil {
		m.logger.Error("failed to issue csrf token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "failed to issue CSRF token",
		})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"csrfToken": token})
}

// Providers は GET /api/auth/providers のハンドラーです。
func (m *Manager) Providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		providerID: gin.H{
			"id":          providerID,
			"name":        "Credentials",
			"type":        "credentials",
			"signinUrl":   m.opts.BasePath + "/signin/" + providerID,
			"callbackUrl": m.opts.BasePath + "/callback/" + providerID,
		},
	})
}

// SignInPage は GET /api/auth/signin をサインイン画面へリダイレクトします。
func (m *Manager) SignInPage(c *gin.Context) {
	target := m.opts.SignInPage
	if cb := c.Query("callbackUrl"); cb != "" {
		target += "?callbackUrl=" + url.QueryEscape(safeCallbackURL(cb))
	}
	c.Redirect(http.StatusFound, target)
}

// Callback は資格情報によるサインインを処理します。
func (m *Manager) Callback(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "send email, password and csrfToken as JSON or form data",
		})
		return
	}

	if !m.verifyCSRF(c, req.CSRFToken) {
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email and password are required",
		})
		return
	}

	ip := ClientAddress(c.Request)
	identity, err := m.verifier.Authorize(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if IsCredentialsError(err) {
			m.logger.Info("sign-in rejected",
				zap.String("ip", ip),
				zap.String("reason", failureReason(err)))
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "CredentialsSignin",
				"message": "authorization failed",
			})
			return
		}
		m.logger.Error("sign-in failed",
			zap.String("ip", ip),
			zap.String("reason", failureReason(err)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "UpstreamUnavailable",
			"message": "authorization failed",
		})
		return
	}

	token, _, err := m.issuer.Issue(identity)
	if err != nil {
		m.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "failed to issue session token",
		})
		return
	}

	m.logger.Debug("sign-in succeeded", zap.String("ip", ip), zap.String("uid", identity.ID))
	m.setSessionCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"url": safeCallbackURL(req.CallbackURL)})
}

// Session は GET /api/auth/session のハンドラーです。
// 未ログインや無効なトークンの場合は空オブジェクトを返します。
func (m *Manager) Session(c *gin.Context) {
	raw, err := c.Cookie(SessionCookieName)
	if err != nil || raw == "" {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	session, claims, err := m.issuer.Resolve(raw)
	if err != nil {
		m.logger.Debug("session token rejected", zap.String("reason", failureReason(err)))
		m.clearSessionCookie(c)
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	if m.issuer.NeedsRefresh(claims) {
		token, refreshed, _, err := m.issuer.Refresh(claims)
		if err != nil {
			m.logger.Error("failed to refresh session token", zap.Error(err))
		} else {
			m.setSessionCookie(c, token)
			session = refreshed
		}
	}

	c.JSON(http.StatusOK, session)
}

// SignOut は POST /api/auth/signout のハンドラーです。
func (m *Manager) SignOut(c *gin.Context) {
	var req signOutRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "send csrfToken as JSON or form data",
		})
		return
	}

	if !m.verifyCSRF(c, req.CSRFToken) {
		return
	}

	m.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"url": safeCallbackURL(req.CallbackURL)})
}
