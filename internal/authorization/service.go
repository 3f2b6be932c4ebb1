package authorization

import "context"

const (
	ActorTypeAccount = "account"
	ActorTypeSystem  = "system"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Actor identifies the caller being authorized.
type Actor struct {
	Type string
	ID   string
	Role string
}

// System is the actor used by the dispatcher and operator tooling.
func System(id string) Actor {
	return Actor{Type: ActorTypeSystem, ID: id, Role: RoleSystem}
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}
