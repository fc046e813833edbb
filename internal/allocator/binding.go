package allocator

import (
	"fmt"
	"time"
)

// Status is a session binding's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusWaitingQR    Status = "waiting_qr"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusLoggedOut    Status = "logged_out"
	StatusError        Status = "error"
	StatusBanned       Status = "banned"
)

// Terminal reports whether a status requires an explicit Release before
// the phone and proxy slots can be reused.
func (s Status) Terminal() bool {
	switch s {
	case StatusLoggedOut, StatusError, StatusBanned:
		return true
	}
	return false
}

// SessionBinding ties a phone identity to a worker, a proxy, and a
// profile. Mutation is owned by the Allocator; everyone else reads
// snapshots.
type SessionBinding struct {
	SessionID         string    `json:"session_id"`
	Phone             string    `json:"phone"`
	ProxyID           string    `json:"proxy_id"`
	ProfileID         string    `json:"profile_id"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	LastPingAt        time.Time `json:"last_ping_at"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// StatusEvent is the closed set of worker status reports. Anything not in
// this union is rejected at the parse boundary.
type StatusEvent interface {
	statusEvent()
}

// QRIssued: the worker produced a pairing QR code.
type QRIssued struct {
	Code string
}

// Scanned: the QR was scanned and the session is live.
type Scanned struct{}

// Dropped: the connection fell; the worker is retrying.
type Dropped struct {
	Reason string
}

// Reconnected: a dropped connection came back.
type Reconnected struct{}

// LoggedOut: explicit logout, terminal.
type LoggedOut struct{}

// Banned: the platform banned the identity, terminal.
type Banned struct {
	Reason string
}

// Errored: unrecoverable worker error, terminal.
type Errored struct {
	Reason string
}

func (QRIssued) statusEvent()    {}
func (Scanned) statusEvent()     {}
func (Dropped) statusEvent()     {}
func (Reconnected) statusEvent() {}
func (LoggedOut) statusEvent()   {}
func (Banned) statusEvent()      {}
func (Errored) statusEvent()     {}

// ParseStatusEvent decodes a wire status report into the event union.
// Unknown kinds and malformed payloads are errors, never passed through.
func ParseStatusEvent(kind string, meta map[string]any) (StatusEvent, error) {
	str := func(key string) string {
		if meta == nil {
			return ""
		}
		v, _ := meta[key].(string)
		return v
	}
	switch kind {
	case "qr_issued":
		code := str("code")
		if code == "" {
			return nil, fmt.Errorf("status event %q: missing code", kind)
		}
		return QRIssued{Code: code}, nil
	case "scanned":
		return Scanned{}, nil
	case "dropped":
		return Dropped{Reason: str("reason")}, nil
	case "reconnected":
		return Reconnected{}, nil
	case "logged_out":
		return LoggedOut{}, nil
	case "banned":
		return Banned{Reason: str("reason")}, nil
	case "error":
		return Errored{Reason: str("reason")}, nil
	default:
		return nil, fmt.Errorf("unknown status event kind %q", kind)
	}
}
