// Package webhook is the HTTP surface facing the provider: callback
// verification, signed event ingestion, and a health endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/dispatch"
)

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 1 << 20

// Server serves the provider webhook.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	limiter    *SenderRateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the webhook server.
func NewServer(cfg *config.Config, d *dispatch.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		limiter:    NewSenderRateLimiter(cfg.Gateway.RateLimitRPM),
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleVerify)
	mux.HandleFunc("POST /webhook", s.handleEvent)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start begins listening until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("webhook server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// handleVerify answers the provider's subscription handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != s.cfg.Provider.VerifyToken {
		slog.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	slog.Info("webhook verified")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// handleEvent ingests one callback batch. The provider retries non-200
// responses aggressively, so every accepted request is answered 200 even
// when processing fails downstream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		slog.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev dispatch.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		slog.Warn("webhook body undecodable", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.throttle(&ev)
	s.dispatcher.ProcessEvent(r.Context(), &ev)
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 HMAC when an app secret
// is configured. Without a secret the check is skipped.
func (s *Server) verifySignature(header string, body []byte) bool {
	secret := s.cfg.Provider.AppSecret
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// throttle drops messages from senders above the per-minute limit.
// Statuses are never throttled; they carry no attacker-controlled fan-out.
func (s *Server) throttle(ev *dispatch.Event) {
	for ei := range ev.Entry {
		for ci := range ev.Entry[ei].Changes {
			v := &ev.Entry[ei].Changes[ci].Value
			kept := v.Messages[:0]
			for _, m := range v.Messages {
				if s.limiter.Allow(m.From) {
					kept = append(kept, m)
				} else {
					slog.Warn("sender rate limited", "from", m.From)
				}
			}
			v.Messages = kept
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"mode":   mode(s.cfg),
	})
}

func mode(cfg *config.Config) string {
	if cfg.IsManagedMode() {
		return "managed"
	}
	return "standalone"
}
