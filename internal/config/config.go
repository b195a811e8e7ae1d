// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevelopmentSecret は debug モードで AUTH_SECRET 未設定時に使う署名鍵です。
// release モードでは使用されません。
const DevelopmentSecret = "authgate-development-secret-do-not-use-in-production"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AuthSecret       string        // セッショントークン署名用の秘密鍵
	UsingDevSecret   bool          // 開発用の既定鍵にフォールバックしたかどうか
	SignInPage       string        // サインイン画面のパス
	SessionMaxAge    time.Duration // トークンの有効期間
	SessionUpdateAge time.Duration // この経過時間を超えたトークンは再発行する

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	AppEnv  string // development のときデバッグログを有効化
	Debug   bool

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ユーザーストア
	RedisURL string

	// セッション確認エンドポイントのレート制限
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RateLimitSweep       time.Duration
	RateLimitMaxEntries  int
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	appEnv := getEnv("APP_ENV", "production")
	secret := getEnv("AUTH_SECRET", getEnv("NEXTAUTH_SECRET", ""))

	config := &Config{
		AuthSecret:       secret,
		SignInPage:       getEnv("SIGNIN_PAGE", "/auth/login"),
		SessionMaxAge:    getEnvAsSeconds("SESSION_MAX_AGE_SECONDS", 30*24*60*60),
		SessionUpdateAge: getEnvAsSeconds("SESSION_UPDATE_AGE_SECONDS", 24*60*60),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		AppEnv:  appEnv,
		Debug:   appEnv == "development",

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		RateLimitWindow:      getEnvAsSeconds("RATE_LIMIT_WINDOW_SECONDS", 10),
		RateLimitMaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 5),
		RateLimitSweep:       getEnvAsSeconds("RATE_LIMIT_SWEEP_SECONDS", 30),
		RateLimitMaxEntries:  getEnvAsInt("RATE_LIMIT_MAX_ENTRIES", 10000),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.AuthSecret == "" {
		config.AuthSecret = DevelopmentSecret
		config.UsingDevSecret = true
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.GinMode == "release" {
		if c.AuthSecret == "" {
			return fmt.Errorf("AUTH_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.RateLimitSweep <= 0 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_SECONDS must be positive")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE_SECONDS must be positive")
	}
	if c.SessionUpdateAge < 0 || c.SessionUpdateAge > c.SessionMaxAge {
		return fmt.Errorf("SESSION_UPDATE_AGE_SECONDS must be between 0 and SESSION_MAX_AGE_SECONDS")
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds は秒数の環境変数を time.Duration として取得します。
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
