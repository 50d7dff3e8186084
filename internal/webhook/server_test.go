package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/dispatch"
	"github.com/nextlevelbuilder/flowgate/internal/engine"
	"github.com/nextlevelbuilder/flowgate/internal/store/mem"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

type nullSender struct{}

func (nullSender) Bind(_, _ string) transport.Transport { return nil }

func newTestServer(cfg *config.Config) *Server {
	stores := mem.New()
	d := dispatch.New(cfg, stores, engine.New(stores), nullSender{}, engine.NewKeyedMutex())
	return NewServer(cfg, d)
}

func TestHandleVerify(t *testing.T) {
	cfg := &config.Config{}
	cfg.Provider.VerifyToken = "secret-token"
	srv := newTestServer(cfg)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid handshake", "hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", 200, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=guess&hub.challenge=12345", 403, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=secret-token&hub.challenge=12345", 403, ""},
		{"empty token", "hub.mode=subscribe&hub.challenge=12345", 403, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
		rec := httptest.NewRecorder()
		srv.BuildMux().ServeHTTP(rec, req)

		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantStatus)
		}
		if tt.wantBody != "" {
			body, _ := io.ReadAll(rec.Body)
			if string(body) != tt.wantBody {
				t.Errorf("%s: body = %q, want echoed challenge %q", tt.name, body, tt.wantBody)
			}
		}
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postEvent(srv *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, req)
	return rec
}

func emptyEvent(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(dispatch.Event{Object: "whatsapp_business_account"})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleEventSignature(t *testing.T) {
	cfg := &config.Config{}
	cfg.Provider.AppSecret = "app-secret"
	srv := newTestServer(cfg)
	body := emptyEvent(t)

	if rec := postEvent(srv, body, sign("app-secret", body)); rec.Code != 200 {
		t.Errorf("valid signature: status = %d, want 200", rec.Code)
	}
	if rec := postEvent(srv, body, sign("wrong-secret", body)); rec.Code != 401 {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}
	if rec := postEvent(srv, body, "sha256=zz-not-hex"); rec.Code != 401 {
		t.Errorf("malformed signature: status = %d, want 401", rec.Code)
	}
	if rec := postEvent(srv, body, ""); rec.Code != 401 {
		t.Errorf("missing signature: status = %d, want 401", rec.Code)
	}
}

func TestHandleEventNoSecretSkipsCheck(t *testing.T) {
	srv := newTestServer(&config.Config{})

	if rec := postEvent(srv, emptyEvent(t), ""); rec.Code != 200 {
		t.Errorf("no app secret: status = %d, want 200", rec.Code)
	}
}

func TestHandleEventUndecodableBodyStill200(t *testing.T) {
	// The provider retries non-200 responses; garbage must be swallowed.
	srv := newTestServer(&config.Config{})

	if rec := postEvent(srv, []byte("{not json"), ""); rec.Code != 200 {
		t.Errorf("garbage body: status = %d, want 200", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "ok" || payload["mode"] != "standalone" {
		t.Errorf("health = %v, want ok/standalone", payload)
	}
}

func TestThrottleDropsExcessMessages(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.RateLimitRPM = 2
	srv := newTestServer(cfg)

	msg := func(from string) dispatch.EventMessage {
		return dispatch.EventMessage{From: from, Type: "text", Text: &dispatch.TextBody{Body: "hi"}}
	}
	ev := &dispatch.Event{
		Entry: []dispatch.Entry{{
			Changes: []dispatch.Change{{
				Value: dispatch.Value{
					Messages: []dispatch.EventMessage{
						msg("511"), msg("511"), msg("511"), msg("512"),
					},
				},
			}},
		}},
	}

	srv.throttle(ev)

	kept := ev.Entry[0].Changes[0].Value.Messages
	if len(kept) != 3 {
		t.Fatalf("kept %d messages, want 3 (two from 511, one from 512)", len(kept))
	}
	froms := []string{kept[0].From, kept[1].From, kept[2].From}
	if froms[0] != "511" || froms[1] != "511" || froms[2] != "512" {
		t.Errorf("kept senders = %v", froms)
	}
}

func TestSenderRateLimiter(t *testing.T) {
	r := NewSenderRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !r.Allow("key") {
			t.Fatalf("Allow #%d = false, want true within limit", i+1)
		}
	}
	if r.Allow("key") {
		t.Error("Allow #4 = true, want false over limit")
	}
	// Other keys are unaffected.
	if !r.Allow("other") {
		t.Error("Allow(other) = false, want true")
	}
}

func TestSenderRateLimiterDisabled(t *testing.T) {
	r := NewSenderRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("key") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestSenderRateLimiterKeyCap(t *testing.T) {
	r := NewSenderRateLimiter(1)
	for i := 0; i < maxTrackedKeys+10; i++ {
		r.Allow("sender-" + strconv.Itoa(i))
	}
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	if n > maxTrackedKeys {
		t.Errorf("tracked keys = %d, want capped at %d", n, maxTrackedKeys)
	}
}
