package authorization

import "errors"

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
)
