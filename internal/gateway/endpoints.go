package gateway

import (
	"context"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/auth"
	"wagate/internal/models"
)

const (
	EndpointPair   = "/v1/sessions/pair"
	EndpointStatus = "/v1/sessions/status"
	EndpointLogout = "/v1/sessions/logout"
	EndpointSend   = "/v1/messages"
	EndpointSync   = "/v1/catalog/sync"
)

// RemoteState is the gateway's view of a session.
type RemoteState string

const (
	RemotePending RemoteState = "pending"
	RemoteActive  RemoteState = "active"
	RemoteRevoked RemoteState = "revoked"
	RemoteExpired RemoteState = "expired"
)

// Pairing is a handle the vendor confirms on their phone.
type Pairing struct {
	Handle    string    `json:"handle"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RemoteStatus struct {
	State     RemoteState `json:"state"`
	SessionID string      `json:"session_id"`
}

type MessageReceipt struct {
	MessageID string `json:"message_id"`
}

type SyncReceipt struct {
	SyncID string `json:"sync_id"`
}

type pairRequest struct {
	VendorID int64 `json:"vendor_id"`
}

type sessionRequest struct {
	VendorID int64  `json:"vendor_id"`
	Session  string `json:"session"`
}

type sendRequest struct {
	VendorID  int64                  `json:"vendor_id"`
	SessionID string                 `json:"session_id"`
	Message   *models.MessagePayload `json:"message"`
}

type syncRequest struct {
	VendorID  int64           `json:"vendor_id"`
	SessionID string          `json:"session_id"`
	Product   *models.Product `json:"product"`
}

// StartPairing asks the gateway for a new pairing handle.
func (c *Client) StartPairing(ctx context.Context, vendorID int64) (Pairing, error) {
	var p Pairing
	if err := c.Call(ctx, EndpointPair, pairRequest{VendorID: vendorID}, auth.VendorSubject(vendorID), &p); err != nil {
		return Pairing{}, err
	}
	if p.Handle == "" {
		return Pairing{}, apperr.New(apperr.KindInvalidResponse, "gateway returned no pairing handle")
	}
	return p, nil
}

// SessionStatus polls a pairing handle or an established session id.
func (c *Client) SessionStatus(ctx context.Context, vendorID int64, ref string) (RemoteStatus, error) {
	var st RemoteStatus
	if err := c.Call(ctx, EndpointStatus, sessionRequest{VendorID: vendorID, Session: ref}, auth.VendorSubject(vendorID), &st); err != nil {
		return RemoteStatus{}, err
	}
	switch st.State {
	case RemotePending, RemoteRevoked, RemoteExpired:
	case RemoteActive:
		if st.SessionID == "" {
			return RemoteStatus{}, apperr.New(apperr.KindInvalidResponse, "active session without id")
		}
	default:
		return RemoteStatus{}, apperr.New(apperr.KindInvalidResponse, "unknown remote session state")
	}
	return st, nil
}

// SendTemplate delivers a rendered template through an established session.
func (c *Client) SendTemplate(ctx context.Context, vendorID int64, sessionID string, payload *models.MessagePayload) (MessageReceipt, error) {
	var r MessageReceipt
	req := sendRequest{VendorID: vendorID, SessionID: sessionID, Message: payload}
	if err := c.Call(ctx, EndpointSend, req, auth.VendorSubject(vendorID), &r); err != nil {
		return MessageReceipt{}, err
	}
	if r.MessageID == "" {
		return MessageReceipt{}, apperr.New(apperr.KindInvalidResponse, "gateway returned no message id")
	}
	return r, nil
}

// SyncProduct pushes one product to the vendor's gateway catalog.
func (c *Client) SyncProduct(ctx context.Context, vendorID int64, sessionID string, product *models.Product) (SyncReceipt, error) {
	var r SyncReceipt
	req := syncRequest{VendorID: vendorID, SessionID: sessionID, Product: product}
	if err := c.Call(ctx, EndpointSync, req, auth.VendorSubject(vendorID), &r); err != nil {
		return SyncReceipt{}, err
	}
	if r.SyncID == "" {
		return SyncReceipt{}, apperr.New(apperr.KindInvalidResponse, "gateway returned no sync id")
	}
	return r, nil
}

// Logout ends a remote session.
func (c *Client) Logout(ctx context.Context, vendorID int64, sessionID string) error {
	return c.Call(ctx, EndpointLogout, sessionRequest{VendorID: vendorID, Session: sessionID}, auth.VendorSubject(vendorID), nil)
}
