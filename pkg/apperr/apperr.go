// Package apperr defines the single structured error taxonomy shared by the
// agent and proxy binaries. Every kind is convertible to a plain I/O error so
// it can flow through ordinary byte-stream error channels.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a tunnel error.
type Kind int

const (
	KindIO Kind = iota
	KindFramingDecode
	KindFramingEncode
	KindCrypto
	KindParseLogLevel
	KindUserNotExist
	KindUserRsaCryptoNotExist
	KindConnectTimeout
	KindConnectionExhausted
	KindSetupDestination
	KindNoDestinationHost
	KindProtocolDecode
	KindProtocolEncode
)

var kindNames = map[Kind]string{
	KindIO:                  "io",
	KindFramingDecode:       "framing_decode",
	KindFramingEncode:       "framing_encode",
	KindCrypto:              "crypto",
	KindParseLogLevel:       "parse_log_level",
	KindUserNotExist:        "user_not_exist",
	KindUserRsaCryptoNotExist: "user_rsa_crypto_not_exist",
	KindConnectTimeout:      "connect_timeout",
	KindConnectionExhausted: "connection_exhausted",
	KindSetupDestination:    "setup_destination",
	KindNoDestinationHost:   "no_destination_host",
	KindProtocolDecode:      "protocol_decode",
	KindProtocolEncode:      "protocol_encode",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Error is the single structured error type used across the core.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsIOError renders this error as a plain error carrying the same diagnostic
// text, for code paths that just want something implementing the error
// interface without depending on apperr.Kind.
func (e *Error) AsIOError() error {
	return errors.New(e.Error())
}

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Kind-tagged error around a lower-level cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func UserNotExist(username string) *Error {
	return Newf(KindUserNotExist, "unknown user %q", username)
}

func UserRsaCryptoNotExist(username string) *Error {
	return Newf(KindUserRsaCryptoNotExist, "user %q has no RSA key material attached", username)
}

func ConnectTimeout(secs int) *Error {
	return Newf(KindConnectTimeout, "connect exceeded %ds budget", secs)
}

func ConnectionExhausted(peerOrMsg string) *Error {
	return Newf(KindConnectionExhausted, "connection closed before a required frame arrived: %s", peerOrMsg)
}

func SetupDestination(addr string) *Error {
	return Newf(KindSetupDestination, "remote reported destination setup failure for %s", addr)
}

func NoDestinationHost(uri string) *Error {
	return Newf(KindNoDestinationHost, "could not determine destination host from %q", uri)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
