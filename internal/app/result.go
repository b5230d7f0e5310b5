package app

import (
	"errors"

	"wagate/internal/apperr"
)

// Result is the response of an admin or vendor action.
type Result struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

type ResultError struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// kindMessages are the texts shown to users. Gateway bodies never reach them.
var kindMessages = map[apperr.Kind]string{
	apperr.KindNetworkUnavailable: "The messaging gateway is unreachable. Please try again later.",
	apperr.KindRateLimited:        "The messaging gateway is busy. The request will be retried.",
	apperr.KindCredentialRejected: "The gateway rejected the connector credentials. Check the vendor settings.",
	apperr.KindSessionNotReady:    "The WhatsApp account is not connected. Pair it first.",
	apperr.KindTemplateNotFound:   "The message template does not exist.",
	apperr.KindMissingVariable:    "The message is missing required details.",
	apperr.KindTimeout:            "The gateway did not answer in time. Please try again.",
	apperr.KindSessionRevoked:     "The WhatsApp session was logged out. Pair the account again.",
	apperr.KindInvalidRequest:     "The request is invalid.",
	apperr.KindInvalidResponse:    "The messaging gateway sent an unexpected answer.",
	apperr.KindInvalidState:       "This action is not possible right now.",
	apperr.KindNotFound:           "Nothing was found.",
	apperr.KindConfiguration:      "The connector is not configured correctly.",
}

const internalMessage = "Something went wrong. Please try again later."

// MessageFor returns the user-facing text of kind.
func MessageFor(kind apperr.Kind) string {
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return internalMessage
}

func ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// failure builds the error result of err. Validation errors keep their own
// message since it names the offending field.
func failure(err error, data interface{}) Result {
	kind := apperr.KindOf(err)
	msg := MessageFor(kind)
	var e *apperr.Error
	if kind == apperr.KindInvalidRequest && errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	if kind == "" {
		kind = "internal"
	}
	return Result{Success: false, Data: data, Error: &ResultError{Kind: kind, Message: msg}}
}
