package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultSessionMaxAge    = 30 * 24 * time.Hour
	DefaultSessionUpdateAge = 24 * time.Hour
)

// TokenConfig はセッショントークンの署名と有効期間の設定です。
type TokenConfig struct {
	Secret    []byte
	MaxAge    time.Duration
	UpdateAge time.Duration
}

// Claims はセッショントークンに埋め込むクレームです。
type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity はクレームから Identity を復元します。
func (c *Claims) Identity() Identity {
	return Identity{ID: c.UID, Email: c.Email, Name: c.Name}
}

// SessionUser はセッション応答に含めるユーザー情報です。
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Session はトークンから復元したセッションです。
type Session struct {
	User    SessionUser `json:"user"`
	Expires string      `json:"expires"`
}

// Issuer はステートレスなセッショントークンを発行・検証します。
type Issuer struct {
	cfg TokenConfig
	now func() time.Time
}

// NewIssuer は Issuer を作成します。
func NewIssuer(cfg TokenConfig) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSessionMaxAge
	}
	if cfg.UpdateAge < 0 || cfg.UpdateAge > cfg.MaxAge {
		return nil, errors.New("invalid update age configuration")
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// MaxAge はトークンの有効期間を返します。
func (i *Issuer) MaxAge() time.Duration {
	return i.cfg.MaxAge
}

// Issue は Identity から署名付きトークンを発行します。
func (i *Issuer) Issue(identity Identity) (string, *Claims, error) {
	if identity.ID == "" {
		return "", nil, errors.New("identity id is required")
	}
	now := i.now()
	claims := &Claims{
		UID:   identity.ID,
		Email: identity.Email,
		Name:  identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.MaxAge)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, claims, nil
}

// Parse はトークンを検証してクレームを返します。
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.cfg.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Resolve はトークンからセッションを復元します。
func (i *Issuer) Resolve(tokenStr string) (Session, *Claims, error) {
	claims, err := i.Parse(tokenStr)
	if err != nil {
		return Session{}, nil, err
	}
	return sessionFromClaims(claims), claims, nil
}

// NeedsRefresh はトークンの経過時間が UpdateAge を超えているかを返します。
func (i *Issuer) NeedsRefresh(claims *Claims) bool {
	if claims == nil || claims.IssuedAt == nil {
		return true
	}
	return i.now().Sub(claims.IssuedAt.Time) > i.cfg.UpdateAge
}

// Refresh は同じ Identity で有効期限を延長したトークンを発行します。
func (i *Issuer) Refresh(claims *Claims) (string, Session, *Claims, error) {
	signed, fresh, err := i.Issue(claims.Identity())
	if err != nil {
		return "", Session{}, nil, err
	}
	return signed, sessionFromClaims(fresh), fresh, nil
}

func sessionFromClaims(claims *Claims) Session {
	return Session{
		User: SessionUser{
			ID:    claims.UID,
			Email: claims.Email,
			Name:  claims.Name,
		},
		Expires: claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	}
}
