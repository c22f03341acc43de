package services

import "errors"

// Sentinel errors returned by the services. Handlers map them to status codes with errors.Is.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrNoCapacity        = errors.New("no cluster capacity available")
	ErrNotAssigned       = errors.New("user has no cluster assignment")
	ErrInviteUsed        = errors.New("invite has already been used or does not exist")
	ErrInviteExpired     = errors.New("invite has expired")
	ErrEmailMismatch     = errors.New("invite was issued to a different email address")
	ErrNotOwner          = errors.New("only account owners can perform this action")
	ErrDuplicateInvite   = errors.New("a pending invite already exists for this email")
	ErrSelfInvite        = errors.New("you cannot invite yourself")
	ErrAlreadyRegistered = errors.New("a user with this email is already registered")
	ErrInvalidRole       = errors.New("invalid project role")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrProjectNotFound   = errors.New("project not found")
)
