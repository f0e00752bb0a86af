package usecase

// Identity is the authenticated caller as asserted by the front door. The
// core never authenticates; it only authorizes against these fields.
type Identity struct {
	UserID string
	Role   string
	Tier   string
}

// Elevated roles may use restricted domains regardless of tier and may
// cancel any job.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
)

// Elevated reports whether the identity bypasses tier restrictions.
func (id Identity) Elevated() bool {
	return id.Role == RoleAdmin || id.Role == RoleTeacher
}
