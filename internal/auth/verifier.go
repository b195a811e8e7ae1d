package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/authgate/internal/users"
)

// UserFinder はメールアドレスからユーザーを引くストアが実装します。
// 見つからない場合は (nil, nil) を返すこと。
type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
}

// Identity は認証済みユーザーの情報です。
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verifier は資格情報を検証します。
type Verifier struct {
	users UserFinder
}

// NewVerifier は Verifier を作成します。
func NewVerifier(finder UserFinder) *Verifier {
	return &Verifier{users: finder}
}

// Authorize はメールアドレスとパスワードを検証し、Identity を返します。
func (v *Verifier) Authorize(ctx context.Context, email, password string) (Identity, error) {
	user, err := v.users.FindByEmail(ctx, email)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if user == nil {
		return Identity{}, ErrNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return Identity{}, ErrInvalidSecret
	}
	return Identity{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
	}, nil
}
