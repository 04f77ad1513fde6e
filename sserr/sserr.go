// Package sserr defines the sentinel error taxonomy shared by every layer.
// Layers wrap these with utils.ErrInErr when they need to attach detail or
// data, so errors.Is/errors.As keep working across layer boundaries.
package sserr

import "errors"

// Configuration
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMissingField    = errors.New("missing field")
)

// Transport
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset")
	ErrTimedOut          = errors.New("timed out")
)

// Proxy
var (
	ErrProxyRejected       = errors.New("proxy rejected request")
	ErrProxyAuthUnsupported = errors.New("proxy auth scheme unsupported")
	ErrProxyAuthFailed      = errors.New("proxy auth failed")
)

// Crypto
var (
	ErrHandshakeFailed    = errors.New("tls handshake failed")
	ErrCertificateInvalid = errors.New("certificate invalid")
)

// Protocol
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownPort       = errors.New("unknown port")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
)

// Admin
var (
	ErrUnknownCommand     = errors.New("unknown admin command")
	ErrServiceStartFailed = errors.New("service start failed")
	ErrPeerTimeout        = errors.New("peer timeout")
	ErrAdminUnreachable   = errors.New("admin peer unreachable")
)

// Lifecycle
var (
	ErrAborted      = errors.New("aborted")
	ErrAlreadyClosed = errors.New("already closed")
)
