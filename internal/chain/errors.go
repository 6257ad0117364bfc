package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass tells the ingestion loop how to back off after a failure.
type ErrorClass int

const (
	// ClassTransient errors are retried with exponential backoff.
	ClassTransient ErrorClass = iota
	// ClassRateLimited errors are retried after the rate-limit cooldown.
	ClassRateLimited
	// ClassFatal errors are not retried within the current tick.
	ClassFatal
)

// String returns the metric label for the class
func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// JSON-RPC error code used by several public BSC/ETH providers for throttling.
const rateLimitedRPCCode = -32005

var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"limit exceeded",
	"quota",
}

// ConnectivityError reports that the node could not be reached or did not
// answer in time.
type ConnectivityError struct {
	Method string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("chain: %s: node unreachable: %v", e.Method, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RPCError reports an error response from the node or its HTTP front end.
type RPCError struct {
	Method      string
	Code        int
	Message     string
	RateLimited bool
	Err         error
}

func (e *RPCError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("chain: %s: rate limited (code %d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("chain: %s: rpc error (code %d): %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is, or wraps, a rate-limit response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.RateLimited
	}
	return hasRateLimitMarker(err.Error())
}

// IsConnectivity reports whether err is, or wraps, a ConnectivityError.
func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

// Classify maps any error seen during a tick to a backoff class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case IsRateLimited(err):
		return ClassRateLimited
	default:
		return ClassTransient
	}
}

// wrapError converts a raw client error into the package's error types.
func wrapError(method string, err error) error {
	if err == nil {
		return nil
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &RPCError{
			Method:      method,
			Code:        httpErr.StatusCode,
			Message:     httpErr.Status,
			RateLimited: httpErr.StatusCode == http.StatusTooManyRequests || hasRateLimitMarker(string(httpErr.Body)),
			Err:         err,
		}
	}

	var jsonErr rpc.Error
	if errors.As(err, &jsonErr) {
		return &RPCError{
			Method:      method,
			Code:        jsonErr.ErrorCode(),
			Message:     jsonErr.Error(),
			RateLimited: jsonErr.ErrorCode() == rateLimitedRPCCode || hasRateLimitMarker(jsonErr.Error()),
			Err:         err,
		}
	}

	if isConnectivityCause(err) {
		return &ConnectivityError{Method: method, Err: err}
	}

	return &RPCError{
		Method:      method,
		Message:     err.Error(),
		RateLimited: hasRateLimitMarker(err.Error()),
		Err:         err,
	}
}

func isConnectivityCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}

func hasRateLimitMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
