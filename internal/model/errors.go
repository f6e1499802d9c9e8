package model

import "errors"

var (
	// Session related errors
	ErrSessionMissing  = errors.New("session missing")
	ErrSessionInvalid  = errors.New("session invalid")
	ErrSessionVersion  = errors.New("unsupported session schema version")
	ErrSessionTerminal = errors.New("session terminal")
	ErrSessionTooLarge = errors.New("session token exceeds cookie size limit")

	// Gateway related errors
	ErrGatewayUnreachable = errors.New("identity gateway unreachable")
	ErrGatewayRejected    = errors.New("identity gateway rejected request")
	ErrMalformedResponse  = errors.New("malformed gateway response")

	// Route rule errors
	ErrInvalidRule    = errors.New("invalid route rule")
	ErrUnknownVersion = errors.New("unsupported route rules version")

	// Permission/Access related errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Generic errors
	ErrInvalidInput = errors.New("invalid input")
)
