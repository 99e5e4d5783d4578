package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/types"
)

// Service is the local verify/settle engine exposed by Handler.
type Service interface {
	VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
	SettleRequest(ctx context.Context, req *types.VerifyRequest) (*types.SettlementResult, error)
	Supported() (*types.SupportedResponse, error)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request by Handler.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Handler serves the facilitator API.
type Handler struct {
	svc     Service
	router  *mux.Router
	secret  []byte
	metrics http.Handler
	logger  logger.Logger
}

type HandlerOption func(*Handler)

// WithJWTSecret requires an HS256 bearer token on /verify and /settle.
func WithJWTSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.secret = []byte(secret)
		}
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithHandlerLogger(l logger.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler routes the facilitator API to svc.
func NewHandler(svc Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, router: mux.NewRouter()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logger.OrNoop(h.logger)

	h.router.Use(h.requestID, h.accessLog)
	h.router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	h.router.HandleFunc("/supported", h.supported).Methods(http.MethodGet)
	if h.metrics != nil {
		h.router.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}

	api := h.router.NewRoute().Subrouter()
	if h.secret != nil {
		api.Use(h.auth)
	}
	api.HandleFunc("/verify", h.verify).Methods(http.MethodPost)
	api.HandleFunc("/settle", h.settle).Methods(http.MethodPost)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) supported(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Supported()
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.svc.VerifyRequest(r.Context(), req)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.svc.SettleRequest(r.Context(), req)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*types.VerifyRequest, bool) {
	var req types.VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, errors.New("invalid request body"))
		return nil, false
	}
	return &req, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := RequestID(r.Context())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", map[string]any{"path": r.URL.Path, "requestId": id, "error": err})
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: id})
}

func statusFor(err error) int {
	if reason, ok := types.ReasonOf(err); ok && reason == types.ReasonInvalidConfiguration {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("request", map[string]any{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    rec.status,
			"duration":  time.Since(start).String(),
			"requestId": RequestID(r.Context()),
		})
	})
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			h.fail(w, r, http.StatusUnauthorized, errors.New("authorization header required"))
			return
		}

		token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return h.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			h.fail(w, r, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken signs an HS256 token accepted by a Handler configured with the same secret.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
