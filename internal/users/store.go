// Package users はユーザードキュメントの保存と検索を提供します。
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	userKeyPrefix = "user:email:"
)

// User はユーザードキュメントです。Password には bcrypt ハッシュが入ります。
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewUser はパスワードをハッシュ化して新しい User を作成します。
func NewUser(email, name, password string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return &User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Password:  string(hash),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Store はユーザードキュメントを Redis に保存します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// FindByEmail はメールアドレスでユーザーを検索します。存在しない場合は (nil, nil) を返します。
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, userKey(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("corrupt user document for %s: %w", email, err)
	}
	return &user, nil
}

// Put はユーザーを保存します（既存の場合は上書き）。
func (s *Store) Put(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	user.Email = NormalizeEmail(user.Email)
	if user.Email == "" {
		return fmt.Errorf("user.Email is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, userKey(user.Email), payload, 0).Err()
}

// Ping はストアへの疎通を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// NormalizeEmail は比較用にメールアドレスを正規化します。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userKey(email string) string {
	return userKeyPrefix + email
}
