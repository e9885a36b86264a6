package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"nhbescrow/core/events"
	"nhbescrow/core/types"
	"nhbescrow/indexer"
	"nhbescrow/native/escrow"
	"nhbescrow/observability"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	moduleName             = "escrow"
	tracerName             = "nhbescrow/rpc"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// EscrowService is the state machine the server exposes.
type EscrowService interface {
	Create(payer, payee [20]byte, amount *big.Int, deadline uint64) ([32]byte, error)
	Fund(id [32]byte, value *big.Int, caller [20]byte) error
	Get(id [32]byte) (*escrow.Deal, error)
	Custody() (*big.Int, error)
}

// Journal exposes the committed event log.
type Journal interface {
	EscrowEvents(from uint64, limit int) ([]*types.Event, error)
	EscrowEventHead() (uint64, error)
}

// PartyIndex answers deal lookups by participant.
type PartyIndex interface {
	ListByParty(ctx context.Context, party [20]byte) ([]indexer.DealRow, error)
}

// Config controls authentication, throttling and tracing of the server.
type Config struct {
	// AuthSecret enables caller authentication for escrow_fund. Tokens must
	// be HS256 signed with this secret and carry the caller as subject.
	AuthSecret         string
	RateLimitPerSecond float64
	RateLimitBurst     int
	TrustProxyHeaders  bool
	MaxBodyBytes       int64
	Tracing            bool
	// ServiceName names the server span. Defaults to escrowd.
	ServiceName        string
	Logger             *slog.Logger
}

type Server struct {
	cfg     Config
	escrow  EscrowService
	journal Journal
	bus     *events.Bus
	index   PartyIndex
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewServer wires the JSON-RPC server. bus may be nil, in which case the
// event stream only serves the journal backlog.
func NewServer(svc EscrowService, journal Journal, bus *events.Bus, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxRequestBytes
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "escrowd"
	}
	return &Server{
		cfg:     cfg,
		escrow:  svc,
		journal: journal,
		bus:     bus,
		auth:    newAuthenticator(cfg.AuthSecret),
		limiter: newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.TrustProxyHeaders),
		logger:  logger.With("component", "rpc"),
	}
}

// SetIndex enables escrow_listByParty.
func (s *Server) SetIndex(ix PartyIndex) { s.index = ix }

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestID)
	router.Use(s.logRequests)
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws/events", s.handleEventsWS)
	router.With(s.limiter.middleware).Post("/rpc", s.handle)
	router.With(s.limiter.middleware).Post("/", s.handle)
	if !s.cfg.Tracing {
		return router
	}
	return otelhttp.NewHandler(router, s.cfg.ServiceName)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// outcomeWriter remembers the JSON-RPC error code written for metrics.
type outcomeWriter struct {
	http.ResponseWriter
	code int
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if rec, ok := w.(*outcomeWriter); ok {
		rec.code = code
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	s.dispatch(w, r, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var handler func(http.ResponseWriter, *http.Request, *RPCRequest)
	switch req.Method {
	case "escrow_create":
		handler = s.handleEscrowCreate
	case "escrow_fund":
		handler = s.handleEscrowFund
	case "escrow_get":
		handler = s.handleEscrowGet
	case "escrow_custody":
		handler = s.handleEscrowCustody
	case "escrow_listEvents":
		handler = s.handleEscrowListEvents
	case "escrow_listByParty":
		handler = s.handleEscrowListByParty
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(r.Context(), req.Method)
	span.SetAttributes(attribute.String("rpc.method", req.Method))
	defer span.End()

	start := time.Now()
	rec := &outcomeWriter{ResponseWriter: w}
	handler(rec, r.WithContext(ctx), req)
	if rec.code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("rpc error %d", rec.code))
	}
	observability.ModuleMetrics().Observe(moduleName, req.Method, rec.code, time.Since(start))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]interface{}{"status": "ok"}
	if s.journal != nil {
		head, err := s.journal.EscrowEventHead()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			status["status"] = "degraded"
			status["error"] = err.Error()
		} else {
			status["head"] = head
		}
	}
	_ = json.NewEncoder(w).Encode(status)
}

func singleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeEscrowInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}
