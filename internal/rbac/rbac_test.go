package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/cache"
	"omics-backend/internal/store/memory"
	"omics-backend/internal/types"
)

func testRBAC(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	log := zap.NewNop()
	st := memory.New()
	rec := audit.NewRecorder(st.Audit(), log)
	t.Cleanup(rec.Close)
	svc := NewService(st, cache.NewMemory(), rec, log, time.Minute)
	require.NoError(t, svc.SeedRoles(context.Background()))
	return svc, st
}

func addUser(t *testing.T, st *memory.Store, email string) *types.User {
	t.Helper()
	u := &types.User{ID: uuid.NewString(), Email: email, IsActive: true}
	require.NoError(t, st.Users().Create(context.Background(), u))
	return u
}

func roleByName(t *testing.T, svc *Service, name string) types.Role {
	t.Helper()
	roles, err := svc.ListRoles(context.Background())
	require.NoError(t, err)
	for _, r := range roles {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("role %s not found", name)
	return types.Role{}
}

func TestSeedRolesIsIdempotent(t *testing.T) {
	svc, _ := testRBAC(t)
	require.NoError(t, svc.SeedRoles(context.Background()))

	roles, err := svc.ListRoles(context.Background())
	require.NoError(t, err)
	assert.Len(t, roles, 5)

	admin := roleByName(t, svc, types.RoleAdmin)
	assert.True(t, admin.Seeded)
	assert.ElementsMatch(t, types.AllPermissions, admin.Permissions)
}

func TestAssignGrantsPermissions(t *testing.T) {
	svc, st := testRBAC(t)
	user := addUser(t, st, "pi@example.org")

	ok, err := svc.Check(context.Background(), user.ID, types.PermPipelineRun)
	require.NoError(t, err)
	assert.False(t, ok)

	pi := roleByName(t, svc, types.RolePI)
	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, pi.ID))

	ok, err = svc.Check(context.Background(), user.ID, types.PermPipelineRun)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Check(context.Background(), user.ID, types.PermSystemAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignBumpsRolesVersion(t *testing.T) {
	svc, st := testRBAC(t)
	user := addUser(t, st, "pi@example.org")
	pi := roleByName(t, svc, types.RolePI)

	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, pi.ID))
	after, err := st.Users().GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.RolesVersion)

	require.NoError(t, svc.RemoveRole(context.Background(), "admin-1", user.ID, pi.ID))
	after, err = st.Users().GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.RolesVersion)
}

func TestRemoveTakesEffectImmediately(t *testing.T) {
	svc, st := testRBAC(t)
	user := addUser(t, st, "analyst@example.org")
	analyst := roleByName(t, svc, types.RoleAnalyst)

	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, analyst.ID))
	ok, err := svc.Check(context.Background(), user.ID, types.PermWorkspaceWrite)
	require.NoError(t, err)
	require.True(t, ok)

	// The decision cache keys on roles_version, so the bump from the removal
	// makes the cached grant unreachable without waiting out the TTL.
	require.NoError(t, svc.RemoveRole(context.Background(), "admin-1", user.ID, analyst.ID))
	ok, err = svc.Check(context.Background(), user.ID, types.PermWorkspaceWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermissionsOfUnionsRoles(t *testing.T) {
	svc, st := testRBAC(t)
	user := addUser(t, st, "both@example.org")
	viewer := roleByName(t, svc, types.RoleViewer)
	analyst := roleByName(t, svc, types.RoleAnalyst)

	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, viewer.ID))
	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, analyst.ID))

	perms, err := svc.PermissionsOf(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Contains(t, perms, types.PermWorkspaceWrite) // analyst only
	assert.Contains(t, perms, types.PermDataRead)       // both, once
	count := 0
	for _, p := range perms {
		if p == types.PermDataRead {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCustomRoleLifecycle(t *testing.T) {
	svc, st := testRBAC(t)
	user := addUser(t, st, "ops@example.org")

	role, err := svc.CreateRole(context.Background(), "admin-1", "Operator",
		"cluster operations", []types.Permission{types.PermSystemScale, types.PermPipelineRead})
	require.NoError(t, err)
	assert.False(t, role.Seeded)

	_, err = svc.CreateRole(context.Background(), "admin-1", "Bogus", "",
		[]types.Permission{"nonsense:everything"})
	assert.True(t, types.IsKind(err, types.ErrInvalid))

	require.NoError(t, svc.AssignRole(context.Background(), "admin-1", user.ID, role.ID))
	ok, err := svc.Check(context.Background(), user.ID, types.PermSystemScale)
	require.NoError(t, err)
	assert.True(t, ok)

	// In use, so deletion is refused until the assignment is removed.
	err = svc.DeleteRole(context.Background(), "admin-1", role.ID)
	assert.True(t, types.IsKind(err, types.ErrConflict))

	require.NoError(t, svc.RemoveRole(context.Background(), "admin-1", user.ID, role.ID))
	require.NoError(t, svc.DeleteRole(context.Background(), "admin-1", role.ID))
}

func TestSeededRolesAreImmutable(t *testing.T) {
	svc, _ := testRBAC(t)
	viewer := roleByName(t, svc, types.RoleViewer)

	err := svc.DeleteRole(context.Background(), "admin-1", viewer.ID)
	assert.True(t, types.IsKind(err, types.ErrConflict))

	viewer.Permissions = append(viewer.Permissions, types.PermSystemAdmin)
	err = svc.UpdateRole(context.Background(), "admin-1", &viewer)
	assert.True(t, types.IsKind(err, types.ErrConflict))
}
