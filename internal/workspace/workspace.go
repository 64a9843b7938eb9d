// Package workspace implements workspace lifecycle and membership. Live
// session concerns (eviction, final state persist) are delegated to the hub
// through the Notifier seam so this package never touches a websocket.
package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// Notifier is implemented by the session hub. Every method is best-effort
// from this package's point of view; membership changes are durable before
// the hub hears about them.
type Notifier interface {
	// WorkspaceDeleting evicts all live sessions and persists the final
	// document state. Called before the durable teardown.
	WorkspaceDeleting(ctx context.Context, workspaceID string) error
	// MemberInvited announces the new member to open sessions.
	MemberInvited(workspaceID string, member *types.WorkspaceMember)
	// MemberRemoved force-disconnects the user's sessions in the room.
	MemberRemoved(workspaceID, userID string)
	// MemberRoleChanged lets open sessions pick up the new edit rights.
	MemberRoleChanged(workspaceID, userID string, role types.MemberRole)
}

// NopNotifier satisfies Notifier for tests and for boot ordering before the
// hub is up.
type NopNotifier struct{}

func (NopNotifier) WorkspaceDeleting(context.Context, string) error    { return nil }
func (NopNotifier) MemberInvited(string, *types.WorkspaceMember)       {}
func (NopNotifier) MemberRemoved(string, string)                       {}
func (NopNotifier) MemberRoleChanged(string, string, types.MemberRole) {}

// Service is the workspace component.
type Service struct {
	workspaces store.WorkspaceStore
	users      store.UserStore
	audit      *audit.Recorder
	notifier   Notifier
	log        *zap.Logger
	now        func() time.Time
}

// NewService wires the workspace service.
func NewService(s store.Store, rec *audit.Recorder, n Notifier, log *zap.Logger) *Service {
	if n == nil {
		n = NopNotifier{}
	}
	return &Service{
		workspaces: s.Workspaces(),
		users:      s.Users(),
		audit:      rec,
		notifier:   n,
		log:        log,
		now:        time.Now,
	}
}

// SetNotifier swaps in the live hub once it exists. Called once at boot.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Create makes a new workspace with the actor as its sole owner.
func (s *Service) Create(ctx context.Context, actorID, name string) (*types.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.E(types.ErrInvalid, "workspace name is required")
	}
	now := s.now()
	w := &types.Workspace{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerUserID: actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.workspaces.Create(ctx, w); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, audit.NewEvent("workspace_create").
		Actor(actorID, "").Resource("workspace", w.ID).
		Detail(map[string]any{"name": name}).Record()); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a workspace the actor belongs to.
func (s *Service) Get(ctx context.Context, actorID, workspaceID string) (*types.Workspace, error) {
	if _, err := s.requireMember(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}
	return s.workspaces.Get(ctx, workspaceID)
}

// List returns the actor's workspaces.
func (s *Service) List(ctx context.Context, actorID string) ([]types.Workspace, error) {
	return s.workspaces.ListForUser(ctx, actorID)
}

// Rename updates the workspace name. Owner only.
func (s *Service) Rename(ctx context.Context, actorID, workspaceID, name string) (*types.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.E(types.ErrInvalid, "workspace name is required")
	}
	w, err := s.requireOwner(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	w.Name = name
	w.UpdatedAt = s.now()
	if err := s.workspaces.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Invite adds a user (looked up by email) as editor or viewer. Owner only;
// the owner role is never grantable by invite. Open sessions hear about the
// new member through the hub.
func (s *Service) Invite(ctx context.Context, actorID, workspaceID, email string, role types.MemberRole) (*types.WorkspaceMember, error) {
	if role != types.MemberEditor && role != types.MemberViewer {
		return nil, types.E(types.ErrInvalid, "invite role must be editor or viewer")
	}
	if _, err := s.requireOwner(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	m := &types.WorkspaceMember{
		WorkspaceID: workspaceID,
		UserID:      user.ID,
		Role:        role,
		JoinedAt:    s.now(),
	}
	if err := s.workspaces.AddMember(ctx, m); err != nil {
		return nil, err
	}
	s.notifier.MemberInvited(workspaceID, m)
	if err := s.audit.Record(ctx, audit.NewEvent("member_invite").
		Actor(actorID, "").Resource("workspace", workspaceID).
		Detail(map[string]any{"userId": user.ID, "role": string(role)}).Record()); err != nil {
		return nil, err
	}
	return m, nil
}

// Members lists the membership roster.
func (s *Service) Members(ctx context.Context, actorID, workspaceID string) ([]types.WorkspaceMember, error) {
	if _, err := s.requireMember(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}
	return s.workspaces.ListMembers(ctx, workspaceID)
}

// Leave removes the actor's own membership. The owner cannot leave; they
// must transfer ownership or delete the workspace.
func (s *Service) Leave(ctx context.Context, actorID, workspaceID string) error {
	m, err := s.requireMember(ctx, workspaceID, actorID)
	if err != nil {
		return err
	}
	if m.Role == types.MemberOwner {
		return types.E(types.ErrConflict, "the owner cannot leave; transfer ownership or delete the workspace")
	}
	if err := s.workspaces.RemoveMember(ctx, workspaceID, actorID); err != nil {
		return err
	}
	s.notifier.MemberRemoved(workspaceID, actorID)
	return s.audit.Record(ctx, audit.NewEvent("member_leave").
		Actor(actorID, "").Resource("workspace", workspaceID).Record())
}

// RemoveMember ejects another member. Owner only; the owner row itself is
// untouchable.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if _, err := s.requireOwner(ctx, workspaceID, actorID); err != nil {
		return err
	}
	target, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if target.Role == types.MemberOwner {
		return types.E(types.ErrConflict, "the owner cannot be removed")
	}
	if err := s.workspaces.RemoveMember(ctx, workspaceID, userID); err != nil {
		return err
	}
	s.notifier.MemberRemoved(workspaceID, userID)
	return s.audit.Record(ctx, audit.NewEvent("member_remove").
		Actor(actorID, "").Resource("workspace", workspaceID).
		Detail(map[string]any{"userId": userID}).Record())
}

// SetMemberRole flips a member between editor and viewer. Owner only; the
// owner role is managed exclusively through TransferOwnership.
func (s *Service) SetMemberRole(ctx context.Context, actorID, workspaceID, userID string, role types.MemberRole) error {
	if role != types.MemberEditor && role != types.MemberViewer {
		return types.E(types.ErrInvalid, "role must be editor or viewer")
	}
	if _, err := s.requireOwner(ctx, workspaceID, actorID); err != nil {
		return err
	}
	target, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if target.Role == types.MemberOwner {
		return types.E(types.ErrConflict, "use ownership transfer to change the owner")
	}
	if err := s.workspaces.SetMemberRole(ctx, workspaceID, userID, role); err != nil {
		return err
	}
	s.notifier.MemberRoleChanged(workspaceID, userID, role)
	return s.audit.Record(ctx, audit.NewEvent("member_role_change").
		Actor(actorID, "").Resource("workspace", workspaceID).
		Detail(map[string]any{"userId": userID, "role": string(role)}).Record())
}

// TransferOwnership promotes an existing member to owner and demotes the
// actor to editor, atomically.
func (s *Service) TransferOwnership(ctx context.Context, actorID, workspaceID, toUserID string) error {
	if actorID == toUserID {
		return types.E(types.ErrInvalid, "cannot transfer ownership to yourself")
	}
	w, err := s.requireOwner(ctx, workspaceID, actorID)
	if err != nil {
		return err
	}
	if _, err := s.workspaces.GetMember(ctx, workspaceID, toUserID); err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return types.E(types.ErrInvalid, "ownership can only transfer to an existing member")
		}
		return err
	}
	if err := s.workspaces.TransferOwnership(ctx, workspaceID, actorID, toUserID); err != nil {
		return err
	}
	w.OwnerUserID = toUserID
	w.UpdatedAt = s.now()
	if err := s.workspaces.Update(ctx, w); err != nil {
		return err
	}
	s.notifier.MemberRoleChanged(workspaceID, toUserID, types.MemberOwner)
	s.notifier.MemberRoleChanged(workspaceID, actorID, types.MemberEditor)
	return s.audit.Record(ctx, audit.NewEvent("ownership_transfer").
		Actor(actorID, "").Resource("workspace", workspaceID).
		Detail(map[string]any{"toUserId": toUserID}).Record())
}

// Delete tears a workspace down: live sessions are evicted and the final
// state persisted first, then member rows and the workspace row go in one
// transaction. Owner only.
func (s *Service) Delete(ctx context.Context, actorID, workspaceID string) error {
	if _, err := s.requireOwner(ctx, workspaceID, actorID); err != nil {
		return err
	}
	if err := s.notifier.WorkspaceDeleting(ctx, workspaceID); err != nil {
		s.log.Warn("workspace eviction before delete failed",
			zap.String("workspace", workspaceID), zap.Error(err))
	}
	if err := s.workspaces.Teardown(ctx, workspaceID); err != nil {
		return err
	}
	return s.audit.Record(ctx, audit.NewEvent("workspace_delete").
		Actor(actorID, "").Resource("workspace", workspaceID).Record())
}

// SaveSnapshot persists a named point-in-time copy of the document.
func (s *Service) SaveSnapshot(ctx context.Context, actorID string, snap *types.CRDTSnapshot) error {
	m, err := s.requireMember(ctx, snap.WorkspaceID, actorID)
	if err != nil {
		return err
	}
	if !m.Role.CanEdit() {
		return types.E(types.ErrPermissionDenied, "viewers cannot save snapshots")
	}
	return s.workspaces.SaveSnapshot(ctx, snap)
}

// ListSnapshots returns the workspace's saved snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, actorID, workspaceID string) ([]types.CRDTSnapshot, error) {
	if _, err := s.requireMember(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}
	return s.workspaces.ListSnapshots(ctx, workspaceID)
}

// GetSnapshot fetches one snapshot.
func (s *Service) GetSnapshot(ctx context.Context, actorID, workspaceID, snapshotID string) (*types.CRDTSnapshot, error) {
	if _, err := s.requireMember(ctx, workspaceID, actorID); err != nil {
		return nil, err
	}
	return s.workspaces.GetSnapshot(ctx, workspaceID, snapshotID)
}

// SnapshotForRestore fetches a snapshot on behalf of a restore. Editors and
// owners only; the hub applies the restore to the live document.
func (s *Service) SnapshotForRestore(ctx context.Context, actorID, workspaceID, snapshotID string) (*types.CRDTSnapshot, error) {
	m, err := s.requireMember(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	if !m.Role.CanEdit() {
		return nil, types.E(types.ErrPermissionDenied, "viewers cannot restore snapshots")
	}
	snap, err := s.workspaces.GetSnapshot(ctx, workspaceID, snapshotID)
	if err != nil {
		return nil, err
	}
	s.audit.RecordAsync(audit.NewEvent("snapshot_restore").
		Actor(actorID, "").Resource("workspace", workspaceID).
		Detail(map[string]any{"snapshotId": snapshotID}).Record())
	return snap, nil
}

// Membership returns the actor's member row, for the hub's join check.
func (s *Service) Membership(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error) {
	return s.requireMember(ctx, workspaceID, userID)
}

func (s *Service) requireMember(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error) {
	m, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return nil, types.E(types.ErrPermissionDenied, "not a member of this workspace")
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) requireOwner(ctx context.Context, workspaceID, userID string) (*types.Workspace, error) {
	m, err := s.requireMember(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role != types.MemberOwner {
		return nil, types.E(types.ErrPermissionDenied, "only the workspace owner may do this")
	}
	return s.workspaces.Get(ctx, workspaceID)
}
