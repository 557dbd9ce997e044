package control

import (
	"fmt"

	"github.com/mossy-p/desklink/internal/models"
)

// Policy decides whether an incoming message may be acted on.
type Policy struct {
	SessionID   string
	Permissions models.Permissions
	// VerifyToken checks the sender's auth token. Nil accepts any non-empty
	// token.
	VerifyToken func(token string) error
}

// Authorize checks session binding, token and permissions.
func (p Policy) Authorize(m Message) error {
	if m.SessionID != p.SessionID {
		return fmt.Errorf("%w: message for session %q", ErrPermissionDenied, m.SessionID)
	}
	if m.AuthToken == "" {
		return fmt.Errorf("%w: missing auth token", ErrPermissionDenied)
	}
	if p.VerifyToken != nil {
		if err := p.VerifyToken(m.AuthToken); err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	return Permit(p.Permissions, m.Type)
}

// Permit reports whether perms allow messages of type t.
func Permit(perms models.Permissions, t Type) error {
	switch t {
	case TypeMouseMove, TypeMouseClick, TypeMouseWheel, TypeKeyPress:
		if !perms.AllowControl || perms.ViewOnly {
			return fmt.Errorf("%w: %s requires control", ErrPermissionDenied, t)
		}
	case TypeClipboard:
		if !perms.AllowClipboard {
			return fmt.Errorf("%w: clipboard not allowed", ErrPermissionDenied)
		}
	}
	return nil
}
