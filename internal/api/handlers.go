package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// MaxMessageLen is the longest accepted message, in characters.
const MaxMessageLen = 10000

const maxBodyBytes = 256 << 10

// SendRequest is the body of POST /send.
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// SendResponse is returned on a successful send.
type SendResponse struct {
	Status string `json:"status"`
	To     string `json:"to"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// ValidationError is a malformed /send body. It maps to 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Validate trims both fields in place.
func (r *SendRequest) Validate() error {
	r.To = strings.TrimSpace(r.To)
	r.Message = strings.TrimSpace(r.Message)
	if r.To == "" {
		return &ValidationError{Field: "to", Reason: "must not be empty"}
	}
	if r.Message == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(r.Message); n > MaxMessageLen {
		return &ValidationError{Field: "message", Reason: "longer than 10000 characters"}
	}
	return nil
}

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Sender  transport.Sender
	Status  func() any
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type handlers struct {
	deps        Deps
	sendTimeout time.Duration
}

// NewRouter builds the gateway routes. Everything except /healthz requires
// the API key.
func NewRouter(cfg Config, deps Deps) http.Handler {
	h := &handlers{deps: deps, sendTimeout: cfg.SendTimeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireBearer(cfg.APIKey))
		r.Post("/send", h.send)
		r.Get("/status", h.status)
		if cfg.MetricsEnabled {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	log := h.deps.Log.With(logx.String("request_id", middleware.GetReqID(r.Context())))

	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.deps.Metrics.Send("invalid")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.deps.Metrics.Send("invalid")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ctx := r.Context()
	if h.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.sendTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := h.deps.Sender.Send(ctx, req.To, req.Message); err != nil {
		status := http.StatusBadGateway
		result := "transport_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			result = "timeout"
		}
		h.deps.Metrics.Send(result)
		log.Warn("send failed", logx.String("to", req.To), logx.Duration("took", time.Since(start)), logx.Err(err))
		writeError(w, status, err.Error())
		return
	}

	h.deps.Metrics.Send("ok")
	log.Info("message sent", logx.String("to", req.To), logx.Int("len", utf8.RuneCountInString(req.Message)), logx.Duration("took", time.Since(start)))
	writeJSON(w, http.StatusOK, SendResponse{Status: "ok", To: req.To})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &ValidationError{Reason: "request body is empty"}
		}
		return &ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	if dec.More() {
		return &ValidationError{Reason: "invalid JSON: trailing data"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
