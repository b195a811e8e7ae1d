package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type countingLimiter struct {
	max   int
	seen  map[string]int
	calls int
}

func (l *countingLimiter) Allow(key string) bool {
	l.calls++
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= l.max
}

type testApp struct {
	router  *gin.Engine
	finder  *memFinder
	issuer  *Issuer
	now     *time.Time
	limiter *countingLimiter
	cookies map[string]*http.Cookie
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	finder := newMemFinder(t)
	issuer, now := newTestIssuer(t)
	limiter := &countingLimiter{max: 5}

	manager := NewManager(Options{}, NewVerifier(finder), issuer, nil)
	dispatcher := NewDispatcher(limiter, nil)

	router := gin.New()
	router.Use(sessions.Sessions(CSRFCookieName, NewCSRFStore(testSecret)))
	router.Any("/api/auth/*"+RouteParam, dispatcher.Gate(), manager.Handle)

	return &testApp{
		router:  router,
		finder:  finder,
		issuer:  issuer,
		now:     now,
		limiter: limiter,
		cookies: make(map[string]*http.Cookie),
	}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(a.cookies, c.Name)
			continue
		}
		a.cookies[c.Name] = c
	}
	return rec
}

func (a *testApp) csrf(t *testing.T) string {
	t.Helper()
	rec := a.do(httptest.NewRequest(http.MethodGet, "/api/auth/csrf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected csrf status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse csrf response: %v", err)
	}
	if payload["csrfToken"] == "" {
		t.Fatal("expected csrfToken in response")
	}
	return payload["csrfToken"]
}

func (a *testApp) signIn(t *testing.T, email, password, csrf string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"email":       email,
		"password":    password,
		"csrfToken":   csrf,
		"callbackUrl": "/dashboard",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/callback/credentials", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func sessionRequest(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	return req
}

func TestSessionCheckRateLimited(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 5; i++ {
		rec := app.do(sessionRequest("10.0.0.1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("Cache-Control"); got != "private, no-cache, no-store, must-revalidate" {
			t.Fatalf("unexpected Cache-Control: %q", got)
		}
		if rec.Header().Get("X-Rate-Limit-Enabled") != "true" {
			t.Fatal("expected X-Rate-Limit-Enabled header")
		}
	}

	rec := app.do(sessionRequest("10.0.0.1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	want := `{"error":"Too many requests","message":"Please wait before making another request"}`
	if rec.Body.String() != want {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	if rec := app.do(sessionRequest("10.0.0.2")); rec.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", rec.Code)
	}
}

func TestNonSessionRequestsAreNotGated(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 10; i++ {
		rec := app.do(httptest.NewRequest(http.MethodGet, "/api/auth/providers", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	}
	if app.limiter.calls != 0 {
		t.Fatalf("limiter should not be consulted, calls=%d", app.limiter.calls)
	}
}

func TestSignInRoundTrip(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(sessionRequest(""))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("expected empty session before sign-in, got %d %s", rec.Code, rec.Body.String())
	}

	csrf := app.csrf(t)
	rec = app.signIn(t, "alice@example.test", "s3cret", csrf)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected sign-in status: %d body=%s", rec.Code, rec.Body.String())
	}
	var signed map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &signed); err != nil {
		t.Fatalf("failed to parse sign-in response: %v", err)
	}
	if signed["url"] != "/dashboard" {
		t.Fatalf("unexpected callback url: %q", signed["url"])
	}
	if _, ok := app.cookies[SessionCookieName]; !ok {
		t.Fatal("expected session cookie after sign-in")
	}

	rec = app.do(sessionRequest(""))
	var session Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to parse session: %v", err)
	}
	if session.User.ID != "user-1" || session.User.Email != "alice@example.test" {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestSignInGenericFailure(t *testing.T) {
	app := newTestApp(t)
	csrf := app.csrf(t)

	notFound := app.signIn(t, "nobody@x.test", "anything", csrf)
	wrongSecret := app.signIn(t, "alice@example.test", "wrong", csrf)

	for _, rec := range []*httptest.ResponseRecorder{notFound, wrongSecret} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	}
	if notFound.Body.String() != wrongSecret.Body.String() {
		t.Fatalf("failure responses must not differ: %s vs %s", notFound.Body.String(), wrongSecret.Body.String())
	}
	if _, ok := app.cookies[SessionCookieName]; ok {
		t.Fatal("session cookie must not be set on failure")
	}
}

func TestSignInUpstreamUnavailable(t *testing.T) {
	app := newTestApp(t)
	app.finder.err = errors.New("connection refused")
	csrf := app.csrf(t)

	rec := app.signIn(t, "alice@example.test", "s3cret", csrf)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestSignInRequiresCSRF(t *testing.T) {
	app := newTestApp(t)

	rec := app.signIn(t, "alice@example.test", "s3cret", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf session, got %d", rec.Code)
	}

	app.csrf(t)
	rec = app.signIn(t, "alice@example.test", "s3cret", "forged")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched csrf, got %d", rec.Code)
	}
	if app.finder.calls != 0 {
		t.Fatalf("user store must not be queried, calls=%d", app.finder.calls)
	}
}

func TestSignInFormEncoded(t *testing.T) {
	app := newTestApp(t)
	csrf := app.csrf(t)

	form := url.Values{}
	form.Set("email", "alice@example.test")
	form.Set("password", "s3cret")
	form.Set("csrfToken", csrf)
	form.Set("callbackUrl", "https://evil.test/")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin/credentials", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"url":"/"`) {
		t.Fatalf("external callback url should be rejected: %s", rec.Body.String())
	}
}

func TestSessionRollingRefresh(t *testing.T) {
	app := newTestApp(t)
	csrf := app.csrf(t)
	if rec := app.signIn(t, "alice@example.test", "s3cret", csrf); rec.Code != http.StatusOK {
		t.Fatalf("sign-in failed: %d", rec.Code)
	}
	first := app.cookies[SessionCookieName].Value

	rec := app.do(sessionRequest(""))
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("fresh token should not be reissued")
	}

	*app.now = app.now.Add(25 * time.Hour)
	rec = app.do(sessionRequest(""))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	second := app.cookies[SessionCookieName].Value
	if second == first {
		t.Fatal("expected token to be reissued after update age")
	}
}

func TestSessionExpiredTokenIsCleared(t *testing.T) {
	app := newTestApp(t)
	csrf := app.csrf(t)
	app.signIn(t, "alice@example.test", "s3cret", csrf)

	*app.now = app.now.Add(31 * 24 * time.Hour)
	rec := app.do(sessionRequest(""))
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("expected empty session, got %s", rec.Body.String())
	}
	if _, ok := app.cookies[SessionCookieName]; ok {
		t.Fatal("expired session cookie should be cleared")
	}
}

func TestSignOut(t *testing.T) {
	app := newTestApp(t)
	csrf := app.csrf(t)
	app.signIn(t, "alice@example.test", "s3cret", csrf)

	body, _ := json.Marshal(map[string]string{"csrfToken": csrf})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if _, ok := app.cookies[SessionCookieName]; ok {
		t.Fatal("session cookie should be cleared")
	}
}

func TestSignInPageRedirect(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/auth/signin?callbackUrl=/settings", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/auth/login?callbackUrl=%2Fsettings" {
		t.Fatalf("unexpected location: %s", loc)
	}
}

func TestUnknownAction(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/auth/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClientAddress(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first value", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "192.0.2.1:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "192.0.2.1:1234", "198.51.100.7"},
		{"socket address", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"socket without port", nil, "192.0.2.1", "192.0.2.1"},
		{"unknown", nil, "", "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := ClientAddress(req); got != tc.want {
				t.Fatalf("ClientAddress() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsSessionCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := map[string]bool{
		"/api/auth/session":              true,
		"/api/auth/csrf":                 false,
		"/api/auth/callback/credentials": false,
		"/api/auth/providers":            false,
	}
	for path, want := range cases {
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, path, nil)
		ctx.Params = gin.Params{{Key: RouteParam, Value: strings.TrimPrefix(path, "/api/auth")}}
		if got := IsSessionCheck(ctx); got != want {
			t.Fatalf("IsSessionCheck(%s) = %v, want %v", path, got, want)
		}
	}
}
