package electrum

import (
	"errors"
	"fmt"
	"strings"
)

// Client errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrClientClosed       = errors.New("client closed")
	ErrNoServers          = errors.New("no servers configured")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrBroadcastRejected  = errors.New("broadcast rejected")
)

// ConnectionError is a transport-level failure: refused, timed out or
// closed. These drive the reconnect logic.
type ConnectionError struct {
	Op     string
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("connection error (%s, %s): %v", e.Op, e.Server, e.Err)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError is an explicit error object returned by the server. It is
// surfaced verbatim and never retried.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	if h := e.Hint(); h != "" {
		msg += " (" + h + ")"
	}
	return msg
}

// knownHints maps lower-cased message fragments to operator advice.
var knownHints = []struct {
	fragment string
	hint     string
}{
	{"history too large", "address has too many transactions to subscribe; balance will be polled"},
	{"missing inputs", "an input was already spent or does not exist; refresh UTXOs and retry"},
	{"already spent", "an input was already spent; refresh UTXOs and retry"},
	{"txn-mempool-conflict", "an input is being spent by another unconfirmed transaction"},
	{"insufficient priority", "fee is too low for the network; raise the fee"},
	{"min relay fee not met", "fee is too low for the network; raise the fee"},
	{"fee too low", "fee is too low for the network; raise the fee"},
	{"dust", "an output is below the dust threshold"},
	{"non-final", "transaction lock time is in the future"},
	{"too-long-mempool-chain", "too many unconfirmed ancestors; wait for a confirmation"},
	{"txn-already-known", "transaction is already in the mempool"},
	{"bad-txns-inputs-missingorspent", "an input was already spent or does not exist; refresh UTXOs and retry"},
	{"mandatory-script-verify-flag-failed", "signature did not verify; check the sighash type and keys"},
}

// Hint returns human-readable advice for well-known server messages.
func (e *ServerError) Hint() string {
	lower := strings.ToLower(e.Message)
	for _, k := range knownHints {
		if strings.Contains(lower, k.fragment) {
			return k.hint
		}
	}
	return ""
}

// HistoryTooLarge reports whether the server refused a subscription because
// the address history exceeds its limits.
func (e *ServerError) HistoryTooLarge() bool {
	return strings.Contains(strings.ToLower(e.Message), "history too large")
}

// MalformedResponseError is an application-level decode failure. Callers
// treat it as "no data".
type MalformedResponseError struct {
	Method string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	var b strings.Builder
	b.WriteString("malformed response")
	if e.Method != "" {
		b.WriteString(" to ")
		b.WriteString(e.Method)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is transport-level.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrReconnectExhausted)
}

// IsServerError reports whether err came from a server error object.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// IsMalformed reports whether err is an application-level decode failure.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
