package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"secure-comm/go-backend/internal/transport"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

// handleRPC serves one JSON-RPC call per POST. The caller's account is taken
// from the user header and every call runs against that user's view only.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	user := strings.ToLower(strings.TrimSpace(r.Header.Get(userHeader)))
	if ok, wait := s.limiter.Take(clientKey(r, user), time.Now()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.WriteHeader(http.StatusTooManyRequests)
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeRateLimited, Message: "rate limited"}})
		return
	}

	req, rpcErr, status := readRPCRequest(w, r)
	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
		return
	case rpcErr != nil:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	case user == "":
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "missing " + userHeader + " header"}})
		return
	}

	reqID := uuid.NewString()
	w.Header().Set("X-Request-ID", reqID)
	log := s.logger.With("request_id", reqID, "method", req.Method, "username", user)
	started := time.Now()
	result, rpcErr := s.dispatchRPC(r.Context(), s.backend(user), req.Method, req.Params)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
		log.Warn("rpc failed", "rpc_code", code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		log.Debug("rpc ok", "latency_ms", time.Since(started).Milliseconds())
	}
	s.metrics.RPCRequest(metricMethod(req.Method), code)
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

// readRPCRequest decodes exactly one request object. A non-zero status means
// the body could not be read at all.
func readRPCRequest(w http.ResponseWriter, r *http.Request) (rpcRequest, *rpcError, int) {
	var req rpcRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, nil, http.StatusRequestEntityTooLarge
		}
		return req, &rpcError{Code: codeParseError, Message: "parse error"}, 0
	}
	if dec.Decode(&struct{}{}) != io.EOF || req.JSONRPC != "2.0" || req.Method == "" {
		return req, &rpcError{Code: codeInvalidRequest, Message: "invalid request"}, 0
	}
	return req, nil, 0
}

func (s *Server) dispatchRPC(ctx context.Context, srv transport.Server, method string, rawParams json.RawMessage) (any, *rpcError) {
	if method == "health_check" {
		return map[string]string{"status": "ok"}, nil
	}
	h, ok := methods[method]
	if !ok {
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
	result, err := h(ctx, srv, rawParams)
	if err != nil {
		return nil, rpcServiceError(err)
	}
	return result, nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func metricMethod(method string) string {
	if _, ok := methods[method]; ok || method == "health_check" {
		return method
	}
	return "unknown"
}
