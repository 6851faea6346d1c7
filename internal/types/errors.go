package types

import "errors"

var (
	ErrPeerGone          = errors.New("peer is no longer listening")
	ErrNoRemote          = errors.New("no remote configured")
	ErrUnresolvedAddress = errors.New("address not resolved")
	ErrAlreadyBound      = errors.New("connection already bound to a client")
	ErrSessionClosed     = errors.New("session closed")
	ErrSelfRegistration  = errors.New("router must not be registered as its own sink")
	ErrFrameTooLarge     = errors.New("frame exceeds datagram limit")
	ErrUnknownCommand    = errors.New("unknown command type")
	ErrInvalidButtonID   = errors.New("button ids below zero are reserved")
	ErrRejected          = errors.New("connection request rejected")
	ErrNotConnected      = errors.New("not connected")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
