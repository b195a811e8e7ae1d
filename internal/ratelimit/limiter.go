// Package ratelimit はクライアントアドレス単位の固定ウィンドウ制限を提供します。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWindow        = 10 * time.Second
	DefaultMaxRequests   = 5
	DefaultSweepInterval = 30 * time.Second
)

// Config はレート制限のパラメータです。
type Config struct {
	Window        time.Duration
	MaxRequests   int
	SweepInterval time.Duration
	// MaxEntries はレジストリの上限件数です。0 なら無制限。
	MaxEntries int
}

type clientWindow struct {
	windowStart time.Time
	count       int
}

// Limiter はプロセス内で共有されるウィンドウのレジストリです。
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*clientWindow
}

// New は Limiter を作成します。
func New(cfg Config, logger *zap.Logger) (*Limiter, error) {
	if cfg.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if cfg.MaxRequests <= 0 {
		return nil, errors.New("max requests must be positive")
	}
	if cfg.MaxEntries < 0 {
		return nil, errors.New("max entries must not be negative")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		windows: make(map[string]*clientWindow),
	}, nil
}

// Allow はリクエストを通してよいかを判定し、カウンターを進めます。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) > l.cfg.Window {
		if !ok {
			l.makeRoom()
		}
		l.windows[key] = &clientWindow{windowStart: now, count: 1}
		return true
	}

	if w.count < l.cfg.MaxRequests {
		w.count++
		return true
	}
	return false
}

// makeRoom は上限に達している場合に最も古いウィンドウを捨てます。
// l.mu を保持した状態で呼び出すこと。
func (l *Limiter) makeRoom() {
	if l.cfg.MaxEntries == 0 || len(l.windows) < l.cfg.MaxEntries {
		return
	}
	var (
		oldestKey   string
		oldestStart time.Time
	)
	for k, w := range l.windows {
		if oldestKey == "" || w.windowStart.Before(oldestStart) {
			oldestKey = k
			oldestStart = w.windowStart
		}
	}
	delete(l.windows, oldestKey)
	l.logger.Debug("rate limit registry full, evicted oldest window",
		zap.String("ip", oldestKey),
		zap.Int("maxEntries", l.cfg.MaxEntries))
}

// Sweep は 2 ウィンドウ分より古いエントリを削除し、削除件数を返します。
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if now.Sub(w.windowStart) > 2*l.cfg.Window {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Len は現在保持しているウィンドウ数を返します。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run は ctx が終了するまで定期的に Sweep を実行します。
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.safeSweep(); err != nil {
				l.logger.Error("rate limit sweep failed", zap.Error(err))
			}
		}
	}
}

// Start は Run をバックグラウンドで起動します。
func (l *Limiter) Start(ctx context.Context) {
	go l.Run(ctx)
}

func (l *Limiter) safeSweep() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()
	removed := l.Sweep()
	if removed > 0 {
		l.logger.Debug("rate limit sweep",
			zap.Int("removed", removed),
			zap.Int("remaining", l.Len()))
	}
	return nil
}
