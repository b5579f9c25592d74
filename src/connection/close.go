package connection

import (
	"errors"

	"github.com/fasthttp/websocket"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// CloseKind groups close codes by what they mean for the harness.
type CloseKind int

const (
	CloseClean CloseKind = iota
	CloseAbnormal
	ClosePolicy
	CloseAuth
	CloseRateLimit
)

func (k CloseKind) String() string {
	switch k {
	case CloseClean:
		return "clean"
	case ClosePolicy:
		return "policy_violation"
	case CloseAuth:
		return "auth_violation"
	case CloseRateLimit:
		return "rate_limited"
	}
	return "abnormal"
}

// ClassifyCode maps a WebSocket close code to a CloseKind. Only 1000 is
// clean; everything else warrants reconnection.
func ClassifyCode(code int) CloseKind {
	switch code {
	case types.CloseNormal:
		return CloseClean
	case types.ClosePolicyViolation:
		return ClosePolicy
	case types.CloseAuthFailed:
		return CloseAuth
	case types.CloseRateLimited:
		return CloseRateLimit
	}
	return CloseAbnormal
}

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
	// Local is true when the harness closed the connection itself.
	Local bool
}

// Kind classifies the close.
func (i CloseInfo) Kind() CloseKind {
	if i.Local {
		return CloseClean
	}
	return ClassifyCode(i.Code)
}

// Clean reports whether the close needs no recovery.
func (i CloseInfo) Clean() bool { return i.Kind() == CloseClean }

// closeInfoFromError builds CloseInfo from a read-pump error.
func closeInfoFromError(err error, local bool) CloseInfo {
	if local {
		return CloseInfo{Code: types.CloseNormal, Local: true, Err: err}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return CloseInfo{Code: types.CloseAbnormal, Err: err}
}
