package activitypub

import "errors"

// Resolution errors.
var (
	ErrNotFound           = errors.New("object not found")
	ErrRemoteUnreachable  = errors.New("remote unreachable")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrWrongType          = errors.New("wrong object type")
	ErrResolutionDisabled = errors.New("remote resolution disabled")
	ErrStorage            = errors.New("storage error")
)

// Signature verification errors.
var (
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("signature expired")
	ErrUnknownActor = errors.New("unknown actor")
	ErrKeyMismatch  = errors.New("key owner mismatch")
)

// ErrUnauthorized is returned by the inbox when an activity touches an object
// its actor does not own.
var ErrUnauthorized = errors.New("unauthorized activity")

// negativelyCacheable reports whether a resolution failure is a confirmed
// answer about the remote object rather than a transient condition.
func negativelyCacheable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPayload)
}
