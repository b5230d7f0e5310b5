package models

import "time"

// SessionState is the connection state of a vendor's gateway session.
type SessionState string

const (
	SessionUnpaired  SessionState = "unpaired"
	SessionPairing   SessionState = "pairing"
	SessionConnected SessionState = "connected"
	SessionDegraded  SessionState = "degraded"
	SessionExpired   SessionState = "expired"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionUnpaired, SessionPairing, SessionConnected, SessionDegraded, SessionExpired:
		return true
	}
	return false
}

// VendorSession links a vendor to a gateway session.
// RemoteSessionID is set iff State is connected or degraded.
type VendorSession struct {
	VendorID            int64        `json:"vendor_id"`
	RemoteSessionID     *string      `json:"remote_session_id,omitempty"`
	State               SessionState `json:"state"`
	PairingHandle       string       `json:"pairing_handle,omitempty"`
	PairingCode         string       `json:"pairing_code,omitempty"`
	PairingExpiresAt    *time.Time   `json:"pairing_expires_at,omitempty"`
	LastCheckedAt       *time.Time   `json:"last_checked_at,omitempty"`
	LastError           *string      `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Ready reports whether messages can be sent through the session.
func (s *VendorSession) Ready() bool {
	return s != nil && (s.State == SessionConnected || s.State == SessionDegraded)
}

// Consistent reports whether the remote id matches the state.
func (s *VendorSession) Consistent() bool {
	hasRemote := s.RemoteSessionID != nil && *s.RemoteSessionID != ""
	return hasRemote == s.Ready()
}

// RemoteID returns the remote session id or "".
func (s *VendorSession) RemoteID() string {
	if s == nil || s.RemoteSessionID == nil {
		return ""
	}
	return *s.RemoteSessionID
}

// Clone returns a deep copy.
func (s *VendorSession) Clone() *VendorSession {
	if s == nil {
		return nil
	}
	c := *s
	c.RemoteSessionID = cloneString(s.RemoteSessionID)
	c.LastError = cloneString(s.LastError)
	c.PairingExpiresAt = cloneTime(s.PairingExpiresAt)
	c.LastCheckedAt = cloneTime(s.LastCheckedAt)
	return &c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
