package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newError creates an Error using the registered description of code
func newError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeUnknownProxyType     = "E1007"
	ErrCodeListenerCreateFailed = "E1008"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidPort           = "E2007"
	ErrCodeConnectionClosed      = "E2008"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed = "E3001"
	ErrCodeNoSNIHostname      = "E3004"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPRequestWriteFailed  = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPBodyReadFailed      = "E4005"
	ErrCodeHTTPMissingHost         = "E4012"
	ErrCodeHTTPMethodNotAllowed    = "E4013"

	// Access Control Errors (E7000-E7999)
	ErrCodeHostNotAllowed       = "E7001"
	ErrCodeBlocklistMatch       = "E7002"
	ErrCodeAuthenticationFailed = "E7005"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeTimeoutExceeded         = "E9003"
	ErrCodeBufferOverflow          = "E9004"
	ErrCodeConcurrencyLimitReached = "E9006"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError      = "E9901"
	ErrCodePanicRecovered     = "E9903"
	ErrCodeConfigurationError = "E9905"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeUnknownProxyType:     "Unknown or unsupported proxy type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidPort:           "Invalid port number",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeTLSHandshakeFailed: "TLS handshake failed",
	ErrCodeNoSNIHostname:      "No SNI hostname provided in TLS handshake",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPRequestWriteFailed:  "Failed to write HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPBodyReadFailed:      "Failed to read HTTP message body",
	ErrCodeHTTPMissingHost:         "Request names no target host",
	ErrCodeHTTPMethodNotAllowed:    "HTTP method not supported by proxy",

	ErrCodeHostNotAllowed:       "Host access denied by policy",
	ErrCodeBlocklistMatch:       "Host matches blocklist entry",
	ErrCodeAuthenticationFailed: "Login required",

	ErrCodeTimeoutExceeded:         "Operation timeout exceeded",
	ErrCodeBufferOverflow:          "Payload exceeds configured limit",
	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",

	ErrCodeInternalError:      "Internal proxy error",
	ErrCodePanicRecovered:     "Recovered from panic condition",
	ErrCodeConfigurationError: "Configuration error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// StatusForError maps an error to the HTTP status sent to the client.
// Errors without a proxy code are internal errors.
func StatusForError(err error) int {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return http.StatusInternalServerError
	}

	switch proxyErr.Code {
	case ErrCodeHTTPRequestReadFailed, ErrCodeHTTPMissingHost, ErrCodeInvalidPort, ErrCodeHTTPBodyReadFailed:
		return http.StatusBadRequest
	case ErrCodeHTTPMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeHostNotAllowed, ErrCodeBlocklistMatch:
		return http.StatusUnauthorized
	case ErrCodeAuthenticationFailed:
		return http.StatusForbidden
	case ErrCodeBufferOverflow:
		return http.StatusRequestEntityTooLarge
	case ErrCodeUpstreamConnectFailed:
		return http.StatusBadGateway
	case ErrCodeConnectionTimeout, ErrCodeTimeoutExceeded:
		return http.StatusGatewayTimeout
	case ErrCodeConcurrencyLimitReached:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E7000" && proxyErr.Code < "E8000"
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dialError classifies a failed origin dial. DNS and refused connections
// are unreachable origins, deadline overruns are timeouts.
func dialError(err error) *Error {
	if isTimeout(err) {
		return newError(ErrCodeConnectionTimeout, err)
	}
	return newError(ErrCodeUpstreamConnectFailed, err)
}

// originIOError classifies a failed exchange on an open origin socket
func originIOError(code string, err error) *Error {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}
	if isTimeout(err) {
		return newError(ErrCodeTimeoutExceeded, err)
	}
	return newError(code, err)
}
