package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"secure-comm/go-backend/internal/transport"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeForbidden    = -32003
	codeNotFound     = -32004
	codeInvalidState = -32009
	codeBadRequest   = -32010
	codeRateLimited  = -32029
	codeUnavailable  = -32050
)

var errInvalidParams = errors.New("invalid params")

var sentinelCodes = []struct {
	err  error
	code int
}{
	{errInvalidParams, codeInvalidParams},
	{transport.ErrForbidden, codeForbidden},
	{transport.ErrNotFound, codeNotFound},
	{transport.ErrInvalidState, codeInvalidState},
	{transport.ErrInvalidRequest, codeBadRequest},
	{transport.ErrRateLimited, codeRateLimited},
	{transport.ErrUnavailable, codeUnavailable},
}

func rpcServiceError(err error) *rpcError {
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return &rpcError{Code: sc.code, Message: err.Error()}
		}
	}
	return &rpcError{Code: codeInternal, Message: "internal error"}
}

// asError turns a server error back into the transport sentinel it came from.
func (e *rpcError) asError() error {
	switch e.Code {
	case codeInvalidParams, codeInvalidRequest, codeParseError, codeMethodNotFound, codeBadRequest:
		return fmt.Errorf("%w: %s", transport.ErrInvalidRequest, e.Message)
	case codeForbidden:
		return fmt.Errorf("%w: %s", transport.ErrForbidden, e.Message)
	case codeNotFound:
		return fmt.Errorf("%w: %s", transport.ErrNotFound, e.Message)
	case codeInvalidState:
		return fmt.Errorf("%w: %s", transport.ErrInvalidState, e.Message)
	case codeRateLimited:
		return fmt.Errorf("%w: %s", transport.ErrRateLimited, e.Message)
	default:
		return fmt.Errorf("%w: rpc %d: %s", transport.ErrUnavailable, e.Code, e.Message)
	}
}

func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", transport.ErrForbidden, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", transport.ErrRateLimited, status)
	case status >= 500 || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: http %d", transport.ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: http %d", transport.ErrInvalidRequest, status)
	}
}
