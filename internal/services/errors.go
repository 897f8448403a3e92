// Package services defines the business logic of the consent-request
// lifecycle. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrRequestNotFound indicates that the referenced request does not
	// exist (it may have been withdrawn).
	ErrRequestNotFound = errors.New("request not found")

	// ErrForbidden is returned when the acting user is not authorized for
	// the attempted transition (only the receiver may accept or reject).
	ErrForbidden = errors.New("not authorized for this request")

	// ErrInvalidTransition is returned when a request's current status does
	// not permit the attempted move (accept/reject require Pending).
	ErrInvalidTransition = errors.New("request is not pending")

	// ErrSelfRequest is returned when a user attempts to send a request to
	// themselves.
	ErrSelfRequest = errors.New("cannot send a request to yourself")

	// ErrScheduleRequired is returned when a scheduled-call request carries
	// a zero or past instant.
	ErrScheduleRequired = errors.New("scheduled time must be in the future")

	// ErrUnknownKind is returned when a request kind outside the supported
	// set is supplied.
	ErrUnknownKind = errors.New("unknown request kind")
)
