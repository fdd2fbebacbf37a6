package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies an RPC failure. The transport itself never retries;
// callers choose a retry policy per call site based on the kind.
type Kind string

const (
	// KindRateLimited: upstream returned HTTP 429 or an equivalent RPC error.
	KindRateLimited Kind = "rate_limited"
	// KindOversized: the response body could not be parsed as JSON,
	// typically truncation of a very large block payload.
	KindOversized Kind = "oversized_response"
	// KindProtocol: the JSON-RPC envelope carried an error object.
	KindProtocol Kind = "protocol_error"
	// KindNotFound: the requested block or transaction is absent
	// (skipped slot, pruned history).
	KindNotFound Kind = "not_found"
	// KindTransport: network-level failure or unexpected HTTP status.
	KindTransport Kind = "transport_error"
)

// Error wraps an RPC failure with its classification and the method that
// produced it.
type Error struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, method string, err error) *Error {
	return &Error{Kind: kind, Method: method, Err: err}
}

// KindOf returns the classification of err, or "" if err is not an RPC error.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return ""
}

func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
func IsOversized(err error) bool   { return KindOf(err) == KindOversized }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }

// RPCError is the JSON-RPC error object carried in a response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Solana JSON-RPC error codes that matter for classification. The node
// reports skipped or pruned slots as structured errors rather than null
// results, and some providers surface rate limiting as -32005.
const (
	codeBlockCleanedUp        = -32001
	codeSlotSkipped           = -32007
	codeLongTermStorageSlot   = -32009
	codeBlockNotAvailable     = -32004
	codeNodeBehind            = -32005
	codeTransactionHistoryOff = -32011
)

func classifyRPCError(method string, rpcErr *RPCError) *Error {
	switch rpcErr.Code {
	case codeSlotSkipped, codeLongTermStorageSlot, codeBlockNotAvailable,
		codeBlockCleanedUp, codeTransactionHistoryOff:
		return newError(KindNotFound, method, rpcErr)
	case codeNodeBehind:
		// Providers reuse -32005 for both "node is behind" and request
		// throttling; both warrant backing off.
		return newError(KindRateLimited, method, rpcErr)
	default:
		return newError(KindProtocol, method, rpcErr)
	}
}
