package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectBatchRun   = "batch_run"
	ObjectCredits    = "credits"
	ObjectDispatcher = "dispatcher"
)

const (
	ActionBatchRunCreate = "batch_run.create"
	ActionBatchRunView   = "batch_run.view"

	ActionCreditsView  = "credits.view"
	ActionCreditsGrant = "credits.grant"

	ActionDispatcherRun = "dispatcher.run"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		obslogger.WithContext(ctx, s.log).Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("role", roleName),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func resolveActor(actor Actor) (string, string, error) {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	id := strings.TrimSpace(actor.ID)

	switch strings.TrimSpace(actor.Type) {
	case ActorTypeSystem:
		if id == "" {
			id = "system"
		}
		return fmt.Sprintf("system:%s", id), "role:" + RoleSystem, nil
	case ActorTypeAccount:
		if id == "" {
			return "", "", ErrInvalidAccount
		}
		switch role {
		case "":
			role = RoleMember
		case RoleMember, RoleAdmin:
		default:
			return "", "", ErrInvalidRole
		}
		return fmt.Sprintf("account:%s", id), "role:" + role, nil
	default:
		return "", "", ErrInvalidActor
	}
}

// ensureGrouping binds the subject to exactly one role, replacing stale bindings.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:member", ObjectBatchRun, ActionBatchRunCreate},
		{"role:member", ObjectBatchRun, ActionBatchRunView},
		{"role:member", ObjectCredits, ActionCreditsView},

		{"role:admin", ObjectCredits, ActionCreditsGrant},

		{"role:system", ObjectDispatcher, ActionDispatcherRun},
		{"role:system", ObjectCredits, ActionCreditsGrant},
		{"role:system", ObjectCredits, ActionCreditsView},
		{"role:system", ObjectBatchRun, ActionBatchRunView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	has, err := enforcer.HasGroupingPolicy("role:admin", "role:member")
	if err != nil {
		return err
	}
	if !has {
		if _, err := enforcer.AddGroupingPolicy("role:admin", "role:member"); err != nil {
			return err
		}
	}
	return nil
}
