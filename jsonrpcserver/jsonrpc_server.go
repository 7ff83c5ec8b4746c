// Package jsonrpcserver exposes functions like:
// func Foo(context, int) (int, error)
// as JSON-RPC 2.0 methods over HTTP POST.
//
// Arguments are decoded positionally from the params array, missing trailing params are zero values.
package jsonrpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
	CodeUnauthorized   = -32001
)

const (
	DefaultMaxRequestSize = int64(1 << 20)
)

type requestIDKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	log            *zap.Logger
	methods        map[string]methodHandler
	authToken      string
	maxRequestSize int64
}

type Methods map[string]interface{}

type Option func(h *Handler)

// WithLogger logs failed calls at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthToken requires every request to carry "Authorization: Bearer <token>". Empty disables the check.
func WithAuthToken(token string) Option {
	return func(h *Handler) { h.authToken = token }
}

func WithMaxRequestSize(size int64) Option {
	return func(h *Handler) { h.maxRequestSize = size }
}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(methods Methods, opts ...Option) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := newMethodHandler(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	h := &Handler{
		log:            zap.NewNop(),
		methods:        m,
		maxRequestSize: DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxRequestSize)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	switch req.ID.(type) {
	// encoding/json decodes every number as float64
	case nil, string, float64:
	default:
		writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	if !h.authorized(r) {
		writeJSONRPCError(w, req.ID, CodeUnauthorized, "unauthorized")
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	ctx := context.WithValue(r.Context(), requestIDKey{}, req.ID)
	result, err := method.call(ctx, req.Params)
	if err != nil {
		h.log.Debug("JSON-RPC call failed", zap.String("method", req.Method), zap.Error(err))
		code := CodeCustomError
		if errors.Is(err, ErrInvalidParams) {
			code = CodeInvalidParams
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetRequestID returns the id of the request being served.
func GetRequestID(ctx context.Context) any {
	return ctx.Value(requestIDKey{})
}
