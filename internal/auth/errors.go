package auth

import "errors"

var (
	// ErrNotFound はメールアドレスに一致するユーザーがいないことを表します。
	ErrNotFound = errors.New("no user found with this email")
	// ErrInvalidSecret はパスワードが保存済みハッシュと一致しないことを表します。
	ErrInvalidSecret = errors.New("invalid password")
	// ErrUpstreamUnavailable はユーザーストアに到達できないことを表します。
	ErrUpstreamUnavailable = errors.New("user store unavailable")
	// ErrTokenInvalid は署名または形式が不正なトークンを表します。
	ErrTokenInvalid = errors.New("session token invalid")
	// ErrTokenExpired は有効期限切れのトークンを表します。
	ErrTokenExpired = errors.New("session token expired")
)

// IsCredentialsError は呼び出し元に汎用の認証失敗として返すべきエラーかを判定します。
func IsCredentialsError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidSecret)
}

// failureReason はログ出力用の失敗理由を返します。
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	default:
		return "unknown"
	}
}
