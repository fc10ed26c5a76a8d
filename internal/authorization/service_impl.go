package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/spendguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectVault  = "vault"
	ObjectShield = "shield"
	ObjectLedger = "ledger"
)

const (
	ActionVaultView     = "vault.view"
	ActionVaultDeposit  = "vault.deposit"
	ActionVaultWithdraw = "vault.withdraw"
	ActionShieldView    = "shield.view"
	ActionLedgerView    = "ledger.view"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

var (
	ErrInvalidActor  = errors.New("invalid actor")
	ErrInvalidObject = errors.New("invalid object")
	ErrInvalidAction = errors.New("invalid action")
	ErrForbidden     = errors.New("forbidden")
)

type Service interface {
	Authorize(ctx context.Context, subject, object, action string) error
	Grant(subject, role string) error
}

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds the policy enforcer. With a database the policies live in
// the casbin_rule table; without one they are kept in memory.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if db != nil {
		adapter, err := gormadapter.NewAdapterByDB(db)
		if err != nil {
			return nil, err
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
		if err != nil {
			return nil, err
		}
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)

	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewService binds every configured admin key to its role.
func NewService(p Params) (Service, error) {
	s := &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
	for _, key := range p.Cfg.Admin.Keys {
		if err := s.Grant(AdminSubject(key.Name), key.Role); err != nil {
			return nil, fmt.Errorf("grant admin key %s: %w", key.Name, err)
		}
	}
	return s, nil
}

// AdminSubject is the casbin subject for a named admin key.
func AdminSubject(name string) string {
	return "admin_key:" + strings.TrimSpace(name)
}

func roleName(role string) string {
	return "role:" + strings.ToLower(strings.TrimSpace(role))
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject, object, action string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// Grant replaces any existing role of subject with role.
func (s *ServiceImpl) Grant(subject, role string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" || strings.TrimSpace(role) == "" {
		return ErrInvalidActor
	}
	target := roleName(role)

	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == target {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, target)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, target)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Auditors read only
		{roleName(RoleAuditor), ObjectVault, ActionVaultView},
		{roleName(RoleAuditor), ObjectShield, ActionShieldView},
		{roleName(RoleAuditor), ObjectLedger, ActionLedgerView},

		// Operators may top up but never drain
		{roleName(RoleOperator), ObjectVault, ActionVaultView},
		{roleName(RoleOperator), ObjectVault, ActionVaultDeposit},
		{roleName(RoleOperator), ObjectShield, ActionShieldView},
		{roleName(RoleOperator), ObjectLedger, ActionLedgerView},

		{roleName(RoleAdmin), ObjectVault, ActionVaultView},
		{roleName(RoleAdmin), ObjectVault, ActionVaultDeposit},
		{roleName(RoleAdmin), ObjectVault, ActionVaultWithdraw},
		{roleName(RoleAdmin), ObjectShield, ActionShieldView},
		{roleName(RoleAdmin), ObjectLedger, ActionLedgerView},
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
	return nil
}
