// Package rbac evaluates permissions from the role catalog. Decisions are
// cached in the KV store keyed by (user, roles_version), so a version bump
// makes stale grants unreachable without waiting out the TTL.
package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/cache"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// Service is the RBAC component.
type Service struct {
	roles  store.RoleStore
	users  store.UserStore
	loader *cache.Loader
	audit  *audit.Recorder
	log    *zap.Logger
	ttl    time.Duration
}

// NewService wires the RBAC service. ttl bounds how long a cached decision
// may outlive the role data that produced it.
func NewService(s store.Store, c cache.Cache, rec *audit.Recorder, log *zap.Logger, ttl time.Duration) *Service {
	return &Service{
		roles:  s.Roles(),
		users:  s.Users(),
		loader: cache.NewLoader(c),
		audit:  rec,
		log:    log,
		ttl:    ttl,
	}
}

// SeedRoles creates the five built-in roles if missing. Safe to call on
// every boot.
func (s *Service) SeedRoles(ctx context.Context) error {
	for name, perms := range types.SeededRolePermissions {
		if _, err := s.roles.GetByName(ctx, name); err == nil {
			continue
		} else if !types.IsKind(err, types.ErrNotFound) {
			return err
		}
		role := &types.Role{
			ID:          uuid.NewString(),
			Name:        name,
			Permissions: perms,
			Seeded:      true,
		}
		if err := s.roles.Create(ctx, role); err != nil && !types.IsKind(err, types.ErrConflict) {
			return err
		}
	}
	return nil
}

// Check reports whether the user holds the permission, via the decision
// cache.
func (s *Service) Check(ctx context.Context, userID string, perm types.Permission) (bool, error) {
	perms, err := s.permissionSet(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := perms[perm]
	return ok, nil
}

// PermissionsOf returns the union of the user's role permission sets.
func (s *Service) PermissionsOf(ctx context.Context, userID string) ([]types.Permission, error) {
	set, err := s.permissionSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) permissionSet(ctx context.Context, userID string) (map[types.Permission]struct{}, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("perm:%s:%d", userID, user.RolesVersion)
	joined, err := s.loader.GetOrLoad(ctx, key, s.ttl, func(ctx context.Context) (string, error) {
		roles, err := s.roles.RolesOfUser(ctx, userID)
		if err != nil {
			return "", err
		}
		seen := map[string]bool{}
		var parts []string
		for _, role := range roles {
			for _, p := range role.Permissions {
				if !seen[string(p)] {
					seen[string(p)] = true
					parts = append(parts, string(p))
				}
			}
		}
		return strings.Join(parts, ","), nil
	})
	if err != nil {
		return nil, err
	}
	set := map[types.Permission]struct{}{}
	for _, p := range strings.Split(joined, ",") {
		if p != "" {
			set[types.Permission(p)] = struct{}{}
		}
	}
	return set, nil
}

// ListRoles returns the full catalog.
func (s *Service) ListRoles(ctx context.Context) ([]types.Role, error) {
	return s.roles.List(ctx)
}

// CreateRole adds a custom role. The actor must hold role:write.
func (s *Service) CreateRole(ctx context.Context, actorID, name, description string, perms []types.Permission) (*types.Role, error) {
	for _, p := range perms {
		if !types.ValidPermission(p) {
			return nil, types.E(types.ErrInvalid, "unknown permission %q", p)
		}
	}
	role := &types.Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Permissions: perms,
	}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, audit.NewEvent("role_create").
		Actor(actorID, "").Resource("role", role.ID).
		Detail(map[string]any{"name": name}).Record()); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole replaces a role's permission set and metadata.
func (s *Service) UpdateRole(ctx context.Context, actorID string, role *types.Role) error {
	existing, err := s.roles.GetByID(ctx, role.ID)
	if err != nil {
		return err
	}
	if existing.Seeded {
		return types.E(types.ErrConflict, "seeded roles cannot be modified")
	}
	for _, p := range role.Permissions {
		if !types.ValidPermission(p) {
			return types.E(types.ErrInvalid, "unknown permission %q", p)
		}
	}
	if err := s.roles.Update(ctx, role); err != nil {
		return err
	}
	return s.audit.Record(ctx, audit.NewEvent("role_update").
		Actor(actorID, "").Resource("role", role.ID).Record())
}

// DeleteRole removes an unassigned custom role.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID string) error {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.Seeded {
		return types.E(types.ErrConflict, "seeded roles cannot be deleted")
	}
	if err := s.roles.Delete(ctx, roleID); err != nil {
		if err := s.audit.Record(ctx, audit.NewEvent("role_delete").
			Actor(actorID, "").Resource("role", roleID).Outcome(types.AuditFailure).Record()); err != nil {
			return err
		}
		return types.E(types.ErrConflict, "role is still in use")
	}
	return s.audit.Record(ctx, audit.NewEvent("role_delete").
		Actor(actorID, "").Resource("role", roleID).Record())
}

// AssignRole grants a role and bumps the user's roles_version so cached
// decisions and outstanding access tokens are invalidated.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID string) error {
	if err := s.roles.Assign(ctx, userID, roleID); err != nil {
		return err
	}
	if _, err := s.users.BumpRolesVersion(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return s.audit.Record(ctx, audit.NewEvent("role_assign").
		Actor(actorID, "").Resource("user", userID).
		Detail(map[string]any{"roleId": roleID}).Record())
}

// RemoveRole revokes a role assignment, bumping roles_version.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID string) error {
	if err := s.roles.Remove(ctx, userID, roleID); err != nil {
		return err
	}
	if _, err := s.users.BumpRolesVersion(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return s.audit.Record(ctx, audit.NewEvent("role_remove").
		Actor(actorID, "").Resource("user", userID).
		Detail(map[string]any{"roleId": roleID}).Record())
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	// The decision cache key embeds roles_version, so bumping the version
	// is sufficient; dropping the rv lookup makes the bump visible now.
	if err := s.loader.Invalidate(ctx, "rv:"+userID); err != nil {
		s.log.Warn("rbac cache invalidation failed", zap.String("user", userID), zap.Error(err))
	}
}
