package controlapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-ai/kestrel/internal/ratelimit"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/internal/statedir"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

type stubSubmitter struct {
	lastMsg models.InboundMessage
}

func (s *stubSubmitter) Submit(msg models.InboundMessage) {
	s.lastMsg = msg
	if msg.Future != nil {
		msg.Future.Resolve(models.InboundReply{Text: "hello back"})
	}
}

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := sessions.NewFileStore(dir, sessions.NewCompactor(sessions.DefaultCompactionConfig(100000), nil))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	layout := statedir.New(dir)
	return New(Config{
		BearerToken:    token,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 5 * time.Second,
	}, store, &stubSubmitter{}, nil, layout, nil, nil)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthAcceptsCorrectToken(t *testing.T) {
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestChatRoundTrip(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"sender_id":"user-1","text":"hi"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRateLimitExceeded(t *testing.T) {
	s := newTestServer(t, "")
	s.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1, Enabled: true}, 100)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	w1 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w1, req)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", w2.Code)
	}
}
