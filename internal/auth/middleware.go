package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// RouteParam は認証 API の catch-all パラメータ名です。
	RouteParam = "nextauth"

	unknownClient = "unknown"

	rateLimitedError   = "Too many requests"
	rateLimitedMessage = "Please wait before making another request"
)

// Limiter はクライアントアドレスごとの可否判定を行います。
type Limiter interface {
	Allow(key string) bool
}

// Dispatcher は認証 API の入口で、セッション確認リクエストにレート制限をかけます。
type Dispatcher struct {
	limiter Limiter
	logger  *zap.Logger
}

// NewDispatcher は Dispatcher を作成します。
func NewDispatcher(limiter Limiter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{limiter: limiter, logger: logger}
}

// Gate はセッション確認リクエストを判定し、上限超過なら 429 で打ち切るミドルウェアです。
func (d *Dispatcher) Gate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsSessionCheck(c) {
			c.Next()
			return
		}

		c.Header("Cache-Control", "private, no-cache, no-store, must-revalidate")
		c.Header("X-Rate-Limit-Enabled", "true")

		if d.limiter == nil {
			c.Next()
			return
		}

		ip := ClientAddress(c.Request)
		if !d.limiter.Allow(ip) {
			d.logger.Info("rate limited session check", zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   rateLimitedError,
				"message": rateLimitedMessage,
			})
			return
		}

		c.Next()
	}
}

// ClientAddress は X-Forwarded-For、X-Real-IP、接続元アドレスの順にクライアントを特定します。
// いずれも無い場合は "unknown" を返します。
func ClientAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return unknownClient
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	if host == "" {
		return unknownClient
	}
	return host
}

// IsSessionCheck はリクエストがセッション状態の問い合わせかを判定します。
func IsSessionCheck(c *gin.Context) bool {
	if strings.Contains(c.Request.URL.Path, "session") {
		return true
	}
	for _, segment := range routeSegments(c) {
		if strings.Contains(segment, "session") {
			return true
		}
	}
	return false
}

func routeSegments(c *gin.Context) []string {
	raw := strings.Trim(c.Param(RouteParam), "/")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}
