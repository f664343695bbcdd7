package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("inside handler")
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestRequestIDKeepsValidHeader(t *testing.T) {
	r := newEngine(RequestID())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123.x_y")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "abc-123.x_y" {
		t.Fatalf("expected caller request id, got %q", got)
	}
}

func TestRequestIDReplacesUnsafeHeader(t *testing.T) {
	r := newEngine(RequestID())
	for _, bad := range []string{"", "has space", "new\nline", strings.Repeat("a", 200)} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if bad != "" {
			req.Header.Set(RequestIDHeader, bad)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		got := w.Header().Get(RequestIDHeader)
		if !strings.HasPrefix(got, "req_") {
			t.Fatalf("expected generated id for %q, got %q", bad, got)
		}
	}
}

func TestLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(RequestID(), Logger(zerolog.New(&buf)))
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "rid-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected handler line and access line, got %d: %s", len(lines), buf.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, `"request_id":"rid-1"`) {
			t.Fatalf("log line missing request id: %s", l)
		}
	}
	if !strings.Contains(lines[1], `"path":"/ping"`) || !strings.Contains(lines[1], `"status":200`) {
		t.Fatalf("unexpected access line: %s", lines[1])
	}
}

func TestAdminKey(t *testing.T) {
	r := newEngine(AdminKey("s3cret"))
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", AdminKeyHeader, "nope", http.StatusUnauthorized},
		{"header", AdminKeyHeader, "s3cret", http.StatusOK},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"basic", "Authorization", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestAdminKeyDisabled(t *testing.T) {
	r := newEngine(AdminKey(""))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with no key configured, got %d", w.Code)
	}
}
