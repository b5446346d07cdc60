// Package ingest implements a development ingest endpoint for exercising the
// sync engine end to end: bearer-token auth that answers 401 on bad or
// expired tokens, capture of received batches for inspection, and failure
// injection for retry testing.
package ingest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akorchak/geosync/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// defaultCaptureLimit bounds how many received batches are kept in memory.
const defaultCaptureLimit = 1000

// ReceivedBatch is a captured ingest request.
type ReceivedBatch struct {
	DeviceID       string         `json:"deviceId"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Body           map[string]any `json:"body"`
	ReceivedAt     time.Time      `json:"receivedAt"`
}

// Server is the development ingest server.
type Server struct {
	secret   []byte
	tokenTTL time.Duration
	validate *validator.Validate

	mu       sync.Mutex
	batches  []ReceivedBatch
	seenKeys map[string]bool

	// failure injection: respond failStatus for the next failCount requests
	failStatus int
	failCount  int
}

// NewServer creates an ingest server signing and verifying tokens with secret.
func NewServer(secret string, tokenTTL time.Duration) *Server {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Server{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		validate: validator.New(),
		seenKeys: make(map[string]bool),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/ingest/locations", s.receive)
	r.Get("/ingest/batches", s.listBatches)
	r.Post("/dev/token", s.mintToken)
	r.Post("/dev/fail", s.injectFailure)

	return r
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		httputil.Error(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	deviceID, err := VerifyToken(parts[1], s.secret)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if status, ok := s.nextInjectedFailure(); ok {
		httputil.Error(w, status, "injected failure")
		return
	}

	key := r.Header.Get("X-Idempotency-Key")

	s.mu.Lock()
	duplicate := key != "" && s.seenKeys[key]
	if !duplicate {
		if key != "" {
			s.seenKeys[key] = true
		}
		s.batches = append(s.batches, ReceivedBatch{
			DeviceID:       deviceID,
			IdempotencyKey: key,
			Body:           body,
			ReceivedAt:     time.Now().UTC(),
		})
		if len(s.batches) > defaultCaptureLimit {
			s.batches = s.batches[len(s.batches)-defaultCaptureLimit:]
		}
	}
	s.mu.Unlock()

	httputil.JSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"duplicate": duplicate,
	})
}

func (s *Server) listBatches(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]ReceivedBatch, len(s.batches))
	copy(out, s.batches)
	s.mu.Unlock()

	httputil.Success(w, http.StatusOK, out)
}

type tokenRequest struct {
	DeviceID string `json:"deviceId" validate:"required"`
	TTL      string `json:"ttl"`
}

func (s *Server) mintToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ttl := s.tokenTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}

	token, err := GenerateToken(req.DeviceID, s.secret, ttl)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "failed to sign token")
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"token": token})
}

type failRequest struct {
	Status int `json:"status" validate:"gte=0,lte=599"`
	Count  int `json:"count" validate:"gte=0"`
}

// injectFailure arms failure injection: the next Count ingest requests answer
// Status. A zero status or count clears it.
func (s *Server) injectFailure(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	s.mu.Lock()
	s.failStatus = req.Status
	s.failCount = req.Count
	s.mu.Unlock()

	httputil.Success(w, http.StatusOK, map[string]any{
		"status": req.Status,
		"count":  req.Count,
	})
}

func (s *Server) nextInjectedFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCount <= 0 || s.failStatus == 0 {
		return 0, false
	}
	s.failCount--
	return s.failStatus, true
}

// Reset drops captured batches, seen keys and any armed failure injection.
func (s *Server) Reset() {
	s.mu.Lock()
	s.batches = nil
	s.seenKeys = make(map[string]bool)
	s.failStatus = 0
	s.failCount = 0
	s.mu.Unlock()
}

// Batches returns a copy of the captured batches.
func (s *Server) Batches() []ReceivedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ReceivedBatch, len(s.batches))
	copy(out, s.batches)
	return out
}
