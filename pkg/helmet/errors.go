package helmet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies helmet errors.
type Kind int

const (
	KindPermissionDenied Kind = iota + 1
	KindScanTimeout
	KindScanFailure
	KindConnectFailure
	KindEncoding
	KindSendFailure
	KindTransportDrop
)

var kindNames = map[Kind]string{
	KindPermissionDenied: "permission_denied",
	KindScanTimeout:      "scan_timeout",
	KindScanFailure:      "scan_failure",
	KindConnectFailure:   "connect_failure",
	KindEncoding:         "encoding_error",
	KindSendFailure:      "send_failure",
	KindTransportDrop:    "transport_drop",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a helmet failure: a kind, a message fit for the rider and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Msg: "permission denied"}
	ErrScanTimeout      = &Error{Kind: KindScanTimeout, Msg: "not found"}
	ErrScanFailure      = &Error{Kind: KindScanFailure, Msg: "scan failed"}
	ErrConnectFailure   = &Error{Kind: KindConnectFailure, Msg: "connection failed"}
	ErrSendFailure      = &Error{Kind: KindSendFailure, Msg: "send failed"}
	ErrTransportDrop    = &Error{Kind: KindTransportDrop, Msg: "connection lost"}
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("helmet: manager closed")

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}{e.Kind.String(), e.Msg})
}

func (e *Error) UnmarshalJSON(b []byte) error {
	var v struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	e.Msg = v.Message
	e.Kind = 0
	for k, name := range kindNames {
		if name == v.Kind {
			e.Kind = k
		}
	}
	return nil
}

func newError(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Msg: sentinel.Msg, Err: cause}
}
