package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"wagate/internal/apperr"
	"wagate/internal/auth"
	"wagate/internal/credentials"
)

// Admin actions.
const (
	ActionStartPairing         = "start_pairing"
	ActionCheckSession         = "check_session"
	ActionRevokeSession        = "revoke_session"
	ActionRemoveVendor         = "remove_vendor"
	ActionListSessions         = "list_sessions"
	ActionSendMessage          = "send_message"
	ActionGetJob               = "get_job"
	ActionRetryJob             = "retry_job"
	ActionRequestProductSync   = "request_product_sync"
	ActionSetVendorCredentials = "set_vendor_credentials"
	ActionExportJobs           = "export_jobs"
	ActionRunTick              = "run_tick"
)

// VendorActions are the actions a vendor may call for its own account.
var VendorActions = map[string]bool{
	ActionStartPairing:       true,
	ActionCheckSession:       true,
	ActionSendMessage:        true,
	ActionRequestProductSync: true,
}

type vendorRequest struct {
	VendorID int64 `json:"vendor_id"`
}

type sendMessageRequest struct {
	VendorID  int64             `json:"vendor_id"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

type jobRequest struct {
	JobID string `json:"job_id"`
}

type productSyncRequest struct {
	VendorID  int64 `json:"vendor_id"`
	ProductID int64 `json:"product_id"`
}

type credentialsRequest struct {
	VendorID    int64  `json:"vendor_id"`
	APIKey      string `json:"api_key"`
	PhoneNumber string `json:"phone_number"`
}

type exportRequest struct {
	Limit int `json:"limit"`
}

type tickRequest struct {
	Kind string `json:"kind"`
}

// SyncRequestResult is the data of request_product_sync.
type SyncRequestResult struct {
	Job     interface{} `json:"job"`
	Created bool        `json:"created"`
}

// HandleAdminRequest runs an operator action.
func (a *App) HandleAdminRequest(ctx context.Context, action string, payload json.RawMessage) Result {
	res := a.dispatch(ctx, action, payload)
	a.logResult("admin", action, res)
	return res
}

// HandleFrontendRequest runs a vendor action. Only VendorActions are allowed.
func (a *App) HandleFrontendRequest(ctx context.Context, action string, payload json.RawMessage) Result {
	if !VendorActions[action] {
		res := failure(apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("unknown action %q", action)), nil)
		a.logResult("vendor", action, res)
		return res
	}
	res := a.dispatch(ctx, action, payload)
	a.logResult("vendor", action, res)
	return res
}

func (a *App) logResult(scope, action string, res Result) {
	if res.Success {
		a.logger.Debug().Str("scope", scope).Str("action", action).Msg("Action handled")
		return
	}
	a.logger.Warn().Str("scope", scope).Str("action", action).Str("kind", string(res.Error.Kind)).Msg("Action failed")
}

func (a *App) dispatch(ctx context.Context, action string, payload json.RawMessage) Result {
	switch action {
	case ActionStartPairing, ActionCheckSession, ActionRevokeSession, ActionRemoveVendor:
		var req vendorRequest
		if err := decodeVendor(payload, &req, &req.VendorID); err != nil {
			return failure(err, nil)
		}
		return a.sessionAction(ctx, action, req.VendorID)

	case ActionListSessions:
		sessions, err := a.deps.Sessions.List(ctx)
		if err != nil {
			return failure(err, nil)
		}
		return ok(sessions)

	case ActionSendMessage:
		var req sendMessageRequest
		if err := decodeVendor(payload, &req, &req.VendorID); err != nil {
			return failure(err, nil)
		}
		if req.Template == "" {
			return failure(apperr.New(apperr.KindInvalidRequest, "template is required"), nil)
		}
		job, err := a.deps.Messages.Send(ctx, req.VendorID, req.Template, req.Variables)
		if err != nil {
			if job == nil {
				return failure(err, nil)
			}
			return failure(err, job)
		}
		return ok(job)

	case ActionGetJob, ActionRetryJob:
		var req jobRequest
		if err := decode(payload, &req); err != nil {
			return failure(err, nil)
		}
		if req.JobID == "" {
			return failure(apperr.New(apperr.KindInvalidRequest, "job_id is required"), nil)
		}
		if action == ActionRetryJob {
			job, err := a.deps.Messages.Retry(ctx, req.JobID)
			if err != nil {
				if job == nil {
					return failure(err, nil)
				}
				return failure(err, job)
			}
			return ok(job)
		}
		return a.getJob(ctx, req.JobID)

	case ActionRequestProductSync:
		var req productSyncRequest
		if err := decodeVendor(payload, &req, &req.VendorID); err != nil {
			return failure(err, nil)
		}
		job, created, err := a.deps.Sync.RequestSync(ctx, req.VendorID, req.ProductID)
		if err != nil {
			return failure(err, nil)
		}
		return ok(SyncRequestResult{Job: job, Created: created})

	case ActionSetVendorCredentials:
		var req credentialsRequest
		if err := decodeVendor(payload, &req, &req.VendorID); err != nil {
			return failure(err, nil)
		}
		creds := credentials.VendorCredentials{APIKey: req.APIKey, PhoneNumber: req.PhoneNumber}
		if err := a.deps.Credentials.SetVendorCredentials(ctx, req.VendorID, creds); err != nil {
			return failure(err, nil)
		}
		a.dropToken(ctx, req.VendorID)
		return ok(map[string]int64{"vendor_id": req.VendorID})

	case ActionExportJobs:
		if a.deps.Exporter == nil {
			return failure(apperr.New(apperr.KindConfiguration, "exports are not configured"), nil)
		}
		var req exportRequest
		if err := decode(payload, &req); err != nil {
			return failure(err, nil)
		}
		path, err := a.deps.Exporter.Jobs(ctx, req.Limit)
		if err != nil {
			return failure(err, nil)
		}
		return ok(map[string]string{"path": path})

	case ActionRunTick:
		var req tickRequest
		if err := decode(payload, &req); err != nil {
			return failure(err, nil)
		}
		report, err := a.OnScheduledTick(ctx, req.Kind)
		if err != nil {
			return failure(err, report)
		}
		return ok(report)

	default:
		return failure(apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("unknown action %q", action)), nil)
	}
}

func (a *App) sessionAction(ctx context.Context, action string, vendorID int64) Result {
	switch action {
	case ActionStartPairing:
		s, err := a.deps.Sessions.StartPairing(ctx, vendorID)
		if err != nil {
			return failure(err, nil)
		}
		return ok(s)
	case ActionCheckSession:
		s, err := a.deps.Sessions.CheckStatus(ctx, vendorID)
		if err != nil {
			return failure(err, nil)
		}
		return ok(s)
	case ActionRevokeSession:
		s, err := a.deps.Sessions.Revoke(ctx, vendorID)
		if err != nil {
			return failure(err, nil)
		}
		a.dropToken(ctx, vendorID)
		return ok(s)
	default:
		if err := a.deps.Sessions.Remove(ctx, vendorID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return failure(err, nil)
		}
		if err := a.deps.Credentials.DeleteVendorCredentials(ctx, vendorID); err != nil {
			return failure(err, nil)
		}
		a.dropToken(ctx, vendorID)
		return ok(map[string]int64{"vendor_id": vendorID})
	}
}

func (a *App) getJob(ctx context.Context, jobID string) Result {
	msg, err := a.deps.Messages.Get(ctx, jobID)
	if err == nil {
		return ok(msg)
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return failure(err, nil)
	}
	syncJob, err := a.deps.Sync.Get(ctx, jobID)
	if err != nil {
		return failure(err, nil)
	}
	return ok(syncJob)
}

func (a *App) dropToken(ctx context.Context, vendorID int64) {
	if a.deps.Tokens == nil {
		return
	}
	if err := a.deps.Tokens.Invalidate(ctx, auth.VendorSubject(vendorID)); err != nil {
		a.logger.Warn().Err(err).Int64("vendor_id", vendorID).Msg("Token invalidation failed")
	}
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return apperr.Wrap(apperr.KindInvalidRequest, err, fmt.Sprintf("invalid value for %s", typeErr.Field))
		}
		if errors.As(err, &syntax) {
			return apperr.Wrap(apperr.KindInvalidRequest, err, "payload is not valid JSON")
		}
		return apperr.Wrap(apperr.KindInvalidRequest, err, "invalid payload")
	}
	return nil
}

func decodeVendor(payload json.RawMessage, v interface{}, vendorID *int64) error {
	if err := decode(payload, v); err != nil {
		return err
	}
	if *vendorID <= 0 {
		return apperr.New(apperr.KindInvalidRequest, "vendor_id is required")
	}
	return nil
}
