package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var env response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

// ─── brotli ─────────────────────────────────────────────────────────

func brotliEngine() *gin.Engine {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"feedback": strings.Repeat("langkah kedua kurang tepat ", 200)})
	})
	r.GET("/small", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/image", func(c *gin.Context) {
		c.Data(http.StatusOK, "image/png", bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 1024))
	})
	return r
}

func TestBrotli_CompressesLargeBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=0.9")
	w := httptest.NewRecorder()
	brotliEngine().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "br" {
		t.Fatalf("Content-Encoding = %q, want br", got)
	}
	if got := w.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Errorf("Vary = %q", got)
	}
	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(plain, &body); err != nil {
		t.Fatalf("decoded body is not JSON: %v", err)
	}
	if !strings.HasPrefix(body["feedback"], "langkah kedua") {
		t.Errorf("feedback = %.30q", body["feedback"])
	}
}

func TestBrotli_SmallBodyUncompressed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	brotliEngine().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none", got)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestBrotli_ImagePassthrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	brotliEngine().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none", got)
	}
	if w.Body.Len() != 4096 {
		t.Errorf("body length = %d, want 4096", w.Body.Len())
	}
}

func TestBrotli_NotAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	brotliEngine().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none", got)
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Error("body is not plain JSON")
	}
}

func TestBrotli_QualityZeroRefuses(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"br;q=0", ""},
		{"gzip, br; q=0.0", ""},
		{"br;q=0.000, gzip;q=1", ""},
		{"BR;Q=0.5", "br"},
		{"gzip, br;level=1;q=0.001", "br"},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/big", nil)
			req.Header.Set("Accept-Encoding", tc.header)
			w := httptest.NewRecorder()
			brotliEngine().ServeHTTP(w, req)

			if got := w.Header().Get("Content-Encoding"); got != tc.want {
				t.Errorf("Content-Encoding = %q, want %q", got, tc.want)
			}
			if tc.want == "" && !json.Valid(w.Body.Bytes()) {
				t.Error("refused encoding must leave the body plain")
			}
		})
	}
}

// ─── rate limit ─────────────────────────────────────────────────────

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = ip + ":40000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := hit("10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := hit("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", code)
	}
	if code := hit("10.0.0.2"); code != http.StatusNoContent {
		t.Errorf("other client: status %d", code)
	}

	now = now.Add(time.Minute)
	if code := hit("10.0.0.1"); code != http.StatusNoContent {
		t.Errorf("after refill: status %d", code)
	}
}

// ─── auth ───────────────────────────────────────────────────────────

func newAuth(t *testing.T) (*service.AuthService, *config.Config) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := &config.Config{JWTSecret: "middleware-secret", JWTExpiry: time.Hour, BcryptCost: 4}
	return service.NewAuthService(cfg, rdb, nil), cfg
}

func authEngine(auth *service.AuthService) *gin.Engine {
	r := gin.New()
	g := r.Group("/", RequireStudentJWT(auth), CheckSingleDeviceSession(auth))
	g.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"student_id": GetClaims(c).UserID})
	})
	return r
}

func TestRequireStudentJWT(t *testing.T) {
	auth, cfg := newAuth(t)
	engine := authEngine(auth)

	token, err := auth.GenerateStudentToken(context.Background(), 42, 3)
	if err != nil {
		t.Fatalf("GenerateStudentToken: %v", err)
	}

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "old",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		TokenType: service.TokenTypeStudent,
		UserID:    42,
	}).SignedString([]byte(cfg.JWTSecret))

	wrongType, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: "admin",
		UserID:    1,
	}).SignedString([]byte(cfg.JWTSecret))

	tests := []struct {
		name   string
		target string
		header string
		status int
		code   response.ErrCode
	}{
		{"missing", "/me", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"garbage", "/me", "Bearer not-a-jwt", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"expired", "/me", "Bearer " + expired, http.StatusUnauthorized, response.ErrTokenExpired},
		{"wrong type", "/me", "Bearer " + wrongType, http.StatusForbidden, response.ErrStudentAccessOnly},
		{"header", "/me", "Bearer " + token, http.StatusOK, ""},
		{"query", "/me?token=" + token, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.code != "" {
				if got := errorCode(t, w); got != tt.code {
					t.Errorf("code = %s, want %s", got, tt.code)
				}
			}
		})
	}
}

func TestCheckSingleDeviceSession_Reset(t *testing.T) {
	auth, _ := newAuth(t)
	engine := authEngine(auth)
	ctx := context.Background()

	token, err := auth.GenerateStudentToken(ctx, 7, 3)
	if err != nil {
		t.Fatalf("GenerateStudentToken: %v", err)
	}
	if err := auth.ResetStudentSession(ctx, 7); err != nil {
		t.Fatalf("ResetStudentSession: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := errorCode(t, w); got != response.ErrSessionInvalidated {
		t.Errorf("code = %s, want %s", got, response.ErrSessionInvalidated)
	}
}

// ─── cache headers ──────────────────────────────────────────────────

func TestCacheHeaders(t *testing.T) {
	r := gin.New()
	r.GET("/state", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/preview", PrivateCache(3600), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]string{"/state": "no-store", "/preview": "private, max-age=3600"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if got := w.Header().Get("Cache-Control"); !strings.Contains(got, want) {
			t.Errorf("%s Cache-Control = %q, want %q", path, got, want)
		}
	}
}
