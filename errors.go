package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorInfo is the structured reason attached to state changes, failed sends
// and server ERROR frames.
type ErrorInfo struct {
	Code       int    `json:"code,omitempty" cbor:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty" cbor:"statusCode,omitempty"`
	Message    string `json:"message,omitempty" cbor:"message,omitempty"`
	HRef       string `json:"href,omitempty" cbor:"href,omitempty"`

	cause error
}

func newError(code, statusCode int, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: message}
}

func newErrorf(code, statusCode int, format string, v ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: fmt.Sprintf(format, v...)}
}

// wrapError converts any error into an ErrorInfo. Errors that already are
// ErrorInfo are returned unchanged.
func wrapError(err error, code, statusCode int) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: err.Error(), cause: err}
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%d/%d] %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

const (
	codeBadRequest           = 40000
	codeInvalidClientID      = 40012
	codeIncompatibleClientID = 40102
	codeTokenErrorMin        = 40140
	codeTokenErrorMax        = 40149
	codeNoTokenRenewal       = 40171
	codeInternal             = 50000
	codeTimeout              = 50003
	codeChannelNotResponding = 50001
	codeUnknownConnection    = 50002
	codeConnectionFailed     = 80000
	codeConnectionSuspended  = 80002
	codeConnectionDisconnect = 80003
	codeConnectionClosed     = 80017
	codeAuthProvider         = 80019
	codeMessageRejected      = 90000
)

// ErrTerminalState is returned by Connect once the manager reached closed or failed.
var ErrTerminalState = errors.New("realtime: connection is in a terminal state")

// connectionErrors lists the default reason for each state that rejects or
// fails queued messages.
var connectionErrors = map[ConnectionState]func() *ErrorInfo{
	StateDisconnected: func() *ErrorInfo {
		return newError(codeConnectionDisconnect, http.StatusRequestTimeout, "Connection to server temporarily unavailable")
	},
	StateSuspended: func() *ErrorInfo {
		return newError(codeConnectionSuspended, http.StatusServiceUnavailable, "Connection to server unavailable")
	},
	StateFailed: func() *ErrorInfo {
		return newError(codeConnectionFailed, http.StatusBadRequest, "Connection failed or disconnected by server")
	},
	StateClosing: func() *ErrorInfo {
		return newError(codeConnectionClosed, http.StatusBadRequest, "Connection closing")
	},
	StateClosed: func() *ErrorInfo {
		return newError(codeConnectionClosed, http.StatusBadRequest, "Connection closed")
	},
}

func stateError(state ConnectionState) *ErrorInfo {
	if f, ok := connectionErrors[state]; ok {
		return f()
	}
	return newError(codeConnectionFailed, http.StatusBadRequest, "Connection unavailable")
}

func unknownConnectionError() *ErrorInfo {
	return newError(codeUnknownConnection, http.StatusInternalServerError, "Internal connection error")
}

func unknownChannelError() *ErrorInfo {
	return newError(codeChannelNotResponding, http.StatusInternalServerError, "Unable to send message; channel not responding")
}

func networkUnreachableError() *ErrorInfo {
	return newError(codeConnectionDisconnect, http.StatusNotFound, "Unable to connect (network unreachable)")
}

func idleTimeoutError(idle int64) *ErrorInfo {
	return newErrorf(codeConnectionDisconnect, http.StatusRequestTimeout, "No activity seen from realtime in %dms; assuming connection has dropped", idle)
}

func protocolError(format string, v ...any) *ErrorInfo {
	return newErrorf(codeBadRequest, http.StatusBadRequest, format, v...)
}

func isTokenErr(err *ErrorInfo) bool {
	return err != nil && err.Code >= codeTokenErrorMin && err.Code <= codeTokenErrorMax
}

// isRetriable reports whether a connection attempt that failed with err may
// be retried on another host.
func isRetriable(err *ErrorInfo) bool {
	if err == nil {
		return true
	}
	if err.StatusCode == 0 || err.Code == 0 || err.StatusCode >= http.StatusInternalServerError {
		return true
	}
	for _, f := range connectionErrors {
		if f().Code == err.Code {
			return true
		}
	}
	return false
}

// isFatalAuthErr reports whether an authorize failure leaves no path to a
// usable credential.
func isFatalAuthErr(err *ErrorInfo) bool {
	return err != nil && (err.Code == codeNoTokenRenewal || err.Code == codeIncompatibleClientID)
}
