// Package httpserver exposes the read-only price API: current prices, service health and a
// websocket stream of accepted updates.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/aggregator"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/observability"
)

const (
	pricesPath        = "/prices"
	priceDetailPrefix = pricesPath + "/"
	healthPath        = "/health"
	streamPath        = "/stream"

	maxSymbolsPerRequest = 100
)

// PriceService is the read facade served over HTTP.
type PriceService interface {
	CurrentPrice(ctx context.Context, symbol string) (aggregator.Quote, error)
	CurrentPrices(ctx context.Context, symbols []string) (map[string]aggregator.Quote, []string, error)
	Health() price.Health
	Subscribe(ctx context.Context, symbols []string) (*broadcast.Subscription, error)
}

// Options tunes the handler.
type Options struct {
	Logger observability.Logger
	// StreamWriteTimeout bounds each websocket frame write.
	StreamWriteTimeout time.Duration
	// StreamPingInterval keeps idle stream connections alive.
	StreamPingInterval time.Duration
	// OriginPatterns lists the cross-origin hosts allowed to open a stream. Same-origin
	// and Origin-less clients are always accepted.
	OriginPatterns []string
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	service PriceService
	logger  observability.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
	origins      []string
}

// NewHandler creates the HTTP handler for the price API.
func NewHandler(service PriceService, opts Options) http.Handler {
	if opts.StreamWriteTimeout <= 0 {
		opts.StreamWriteTimeout = 5 * time.Second
	}
	if opts.StreamPingInterval <= 0 {
		opts.StreamPingInterval = 30 * time.Second
	}
	server := &httpServer{
		service:      service,
		logger:       observability.OrNop(opts.Logger),
		writeTimeout: opts.StreamWriteTimeout,
		pingInterval: opts.StreamPingInterval,
		origins:      opts.OriginPatterns,
	}
	mux := http.NewServeMux()

	mux.Handle(pricesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPrices,
	}))
	mux.Handle(priceDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPrice,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, priceDetailPrefix)
	if symbol == "" || strings.Contains(symbol, "/") {
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "unknown price resource")
		return
	}
	quote, err := s.service.CurrentPrice(r.Context(), symbol)
	if err != nil {
		s.writeServiceError(w, err, price.NormalizeSymbol(symbol))
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type pricesResponse struct {
	Prices  map[string]aggregator.Quote `json:"prices"`
	Missing []string                    `json:"missing"`
}

func (s *httpServer) listPrices(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query()["symbols"])
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, errs.CodeInvalid, "symbols query parameter required")
		return
	}
	if len(symbols) > maxSymbolsPerRequest {
		writeError(w, http.StatusBadRequest, errs.CodeInvalid, "too many symbols")
		return
	}
	quotes, missing, err := s.service.CurrentPrices(r.Context(), symbols)
	if err != nil {
		s.writeServiceError(w, err, "")
		return
	}
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, pricesResponse{Prices: quotes, Missing: missing})
}

type healthResponse struct {
	Status        price.HealthStatus       `json:"status"`
	ActiveSource  string                   `json:"activeSource,omitempty"`
	StandbySource string                   `json:"standbySource,omitempty"`
	LastTickAt    *time.Time               `json:"lastTickAt,omitempty"`
	LastTickAgeMs *int64                   `json:"lastTickAgeMs,omitempty"`
	Sources       []price.SourceDescriptor `json:"sources"`
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.service.Health()
	resp := healthResponse{
		Status:        h.Status,
		ActiveSource:  h.ActiveSource,
		StandbySource: h.StandbySource,
		Sources:       h.Sources,
	}
	if !h.LastTickAt.IsZero() {
		at := h.LastTickAt
		age := h.LastTickAge.Milliseconds()
		resp.LastTickAt = &at
		resp.LastTickAgeMs = &age
	}
	if resp.Sources == nil {
		resp.Sources = []price.SourceDescriptor{}
	}
	status := http.StatusOK
	if h.Status == price.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error, symbol string) {
	switch {
	case errors.Is(err, aggregator.ErrNotYetAvailable):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Status: "error",
			Code:   errs.CodeNotYetAvailable,
			Error:  "price not yet available",
			Symbol: symbol,
		})
	case errs.Is(err, errs.CodeInvalid):
		writeError(w, http.StatusBadRequest, errs.CodeInvalid, err.Error())
	case errs.Is(err, errs.CodeUnavailable):
		writeError(w, http.StatusServiceUnavailable, errs.CodeUnavailable, "service unavailable")
	default:
		s.logger.Error("price request failed", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, errs.CodeUnavailable, "internal error")
	}
}

func splitSymbols(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if symbol := price.NormalizeSymbol(part); symbol != "" {
				out = append(out, symbol)
			}
		}
	}
	return price.NormalizeSymbols(out)
}

type errorResponse struct {
	Status string    `json:"status"`
	Code   errs.Code `json:"code"`
	Error  string    `json:"error"`
	Symbol string    `json:"symbol,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, errs.CodeInvalid, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code errs.Code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Code: code, Error: message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
