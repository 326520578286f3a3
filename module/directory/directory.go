package directory

import "context"

// Account status values mirrored from the employee directory.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRetired   = "retired"
)

// Profile is all the relay needs to know about an identity.
type Profile struct {
	UserID      string
	DisplayName string
	Role        string
	Status      string
}

func (p *Profile) Active() bool { return p != nil && p.Status == StatusActive }

// Resolver turns a token subject claim into a directory profile. The subject
// may be the canonical user id or a legacy employee number; implementations
// must try the primary key first, then the secondary, and report ErrNotFound
// only when neither matches.
type Resolver interface {
	Resolve(ctx context.Context, subject string) (*Profile, error)
}
