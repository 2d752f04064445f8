package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	RoleAdmin    = "admin"
	RoleAuditor  = "auditor"
	RoleEmployee = "employee"
	RoleKiosk    = "kiosk"
)

var Roles = []string{RoleAdmin, RoleAuditor, RoleEmployee, RoleKiosk}

func KnownRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

const (
	ActCredentialsManage  = "credentials.manage"
	ActCredentialsConfirm = "credentials.confirm"
	ActCredentialsRead    = "credentials.read"
	ActEventsAppend       = "events.append"
	ActEventsRead         = "events.read"
	ActStatusRead         = "status.read"
	ActIntegrityVerify    = "integrity.verify"
	ActAuditRead          = "audit.read"
)

var Actions = []string{
	ActCredentialsManage,
	ActCredentialsConfirm,
	ActCredentialsRead,
	ActEventsAppend,
	ActEventsRead,
	ActStatusRead,
	ActIntegrityVerify,
	ActAuditRead,
}

const (
	scopeAny  = "*"
	scopeSelf = "self"
)

// A request names the caller's role, the caller's own employee id, the
// employee the operation targets and the action. "self" rules only match
// when the caller targets itself.
const policyModel = `
[request_definition]
r = sub, owner, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.act == p.act && (p.obj == "*" || (p.obj == "self" && r.owner != "" && r.owner == r.obj))
`

var defaultRules = [][]string{
	{RoleAuditor, scopeAny, ActCredentialsRead},
	{RoleAuditor, scopeAny, ActEventsRead},
	{RoleAuditor, scopeAny, ActStatusRead},
	{RoleAuditor, scopeAny, ActIntegrityVerify},
	{RoleAuditor, scopeAny, ActAuditRead},

	{RoleAdmin, scopeAny, ActCredentialsManage},
	{RoleAdmin, scopeAny, ActCredentialsConfirm},

	{RoleEmployee, scopeSelf, ActCredentialsConfirm},
	{RoleEmployee, scopeSelf, ActCredentialsRead},
	{RoleEmployee, scopeSelf, ActEventsAppend},
	{RoleEmployee, scopeSelf, ActEventsRead},
	{RoleEmployee, scopeSelf, ActStatusRead},

	{RoleKiosk, scopeAny, ActEventsAppend},
	{RoleKiosk, scopeAny, ActStatusRead},
}

var roleInheritance = [][]string{
	{RoleAdmin, RoleAuditor},
}

// Policy is the single authorization decision point for privileged
// operations.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("load policy model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	if _, err := enforcer.AddPolicies(defaultRules); err != nil {
		return nil, fmt.Errorf("add policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(roleInheritance); err != nil {
		return nil, fmt.Errorf("add role inheritance: %w", err)
	}
	return &Policy{enforcer: enforcer}, nil
}

// Allowed reports whether user may perform action on the target employee.
// An empty target means "all employees".
func (p *Policy) Allowed(user UserContext, action, target string) (bool, error) {
	return p.enforcer.Enforce(user.Role, user.EmployeeID, target, action)
}
