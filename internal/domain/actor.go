package domain

// ActorRole differentiates the requester from support staff.
type ActorRole string

const (
	RoleRequester  ActorRole = "REQUESTER"
	RoleAgent      ActorRole = "AGENT"
	RoleSupervisor ActorRole = "SUPERVISOR"
)

// Staff reports whether the role belongs to support personnel.
func (r ActorRole) Staff() bool {
	return r == RoleAgent || r == RoleSupervisor
}
