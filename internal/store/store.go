// Package store defines the durable persistence interfaces. The postgres
// subpackage is the production implementation; the memory subpackage backs
// tests.
package store

import (
	"context"
	"encoding/json"
	"time"

	"omics-backend/internal/types"
)

// Store is the root handle to durable persistence.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Tokens() TokenStore
	Workspaces() WorkspaceStore
	Jobs() JobStore
	Audit() AuditStore

	Ping(ctx context.Context) error
	Close()
}

// UserStore persists accounts.
type UserStore interface {
	// Create fails with Conflict when the email is already registered
	// (case-insensitive).
	Create(ctx context.Context, u *types.User) error
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	Update(ctx context.Context, u *types.User) error
	// BumpRolesVersion increments and returns the user's roles_version,
	// invalidating cached RBAC decisions and outstanding access tokens.
	BumpRolesVersion(ctx context.Context, userID string) (int64, error)
	// ConsumeRecoveryCode removes one recovery code hash, guarded on the
	// hash still being present so concurrent verifications cannot both
	// spend it. Returns Preconditioned when the code was already used.
	ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) error
	// Anonymize scrubs PII in place and deactivates the account.
	Anonymize(ctx context.Context, userID string) error
}

// RoleStore persists the role catalog and user-role assignments.
type RoleStore interface {
	Create(ctx context.Context, r *types.Role) error
	Update(ctx context.Context, r *types.Role) error
	// Delete fails with Conflict while any user still holds the role.
	Delete(ctx context.Context, roleID string) error
	GetByID(ctx context.Context, roleID string) (*types.Role, error)
	GetByName(ctx context.Context, name string) (*types.Role, error)
	List(ctx context.Context) ([]types.Role, error)

	Assign(ctx context.Context, userID, roleID string) error
	Remove(ctx context.Context, userID, roleID string) error
	RolesOfUser(ctx context.Context, userID string) ([]types.Role, error)
}

// TokenStore persists refresh tokens. Tokens are stored hashed.
type TokenStore interface {
	Create(ctx context.Context, t *types.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*types.RefreshToken, error)
	// Rotate revokes the presented token and inserts its successor in one
	// transaction, keeping single-use semantics under concurrent refresh.
	Rotate(ctx context.Context, oldID string, successor *types.RefreshToken) error
	Revoke(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// WorkspaceStore persists workspaces, membership, and collaborative state.
type WorkspaceStore interface {
	// Create inserts the workspace and its owner member row atomically.
	Create(ctx context.Context, w *types.Workspace) error
	Get(ctx context.Context, id string) (*types.Workspace, error)
	Update(ctx context.Context, w *types.Workspace) error
	// Teardown deletes member rows then the workspace row in one
	// transaction. Live-session eviction and the final state snapshot
	// happen before this is called.
	Teardown(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]types.Workspace, error)

	AddMember(ctx context.Context, m *types.WorkspaceMember) error
	RemoveMember(ctx context.Context, workspaceID, userID string) error
	SetMemberRole(ctx context.Context, workspaceID, userID string, role types.MemberRole) error
	// TransferOwnership demotes the current owner to editor and promotes
	// the target atomically, preserving the single-owner invariant.
	TransferOwnership(ctx context.Context, workspaceID, fromUserID, toUserID string) error
	GetMember(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error)
	ListMembers(ctx context.Context, workspaceID string) ([]types.WorkspaceMember, error)
	TouchMember(ctx context.Context, workspaceID, userID string, at time.Time) error

	// SaveState persists the full CRDT field map plus version.
	SaveState(ctx context.Context, workspaceID string, fields json.RawMessage, version int64) error
	LoadState(ctx context.Context, workspaceID string) (json.RawMessage, int64, error)

	SaveSnapshot(ctx context.Context, s *types.CRDTSnapshot) error
	GetSnapshot(ctx context.Context, workspaceID, snapshotID string) (*types.CRDTSnapshot, error)
	ListSnapshots(ctx context.Context, workspaceID string) ([]types.CRDTSnapshot, error)
}

// JobStore persists the job table. The queue is rebuilt from pending and
// queued rows on restart.
type JobStore interface {
	Create(ctx context.Context, j *types.Job) error
	Get(ctx context.Context, id string) (*types.Job, error)
	List(ctx context.Context, ownerUserID string, states []types.JobState, limit int) ([]types.Job, error)
	// ListUnfinished returns pending, queued, and running jobs for crash
	// recovery, oldest first.
	ListUnfinished(ctx context.Context) ([]types.Job, error)
	// CAS writes every mutable field of j, guarded on the previously read
	// (state, attempt) pair. Returns Preconditioned when another writer got
	// there first.
	CAS(ctx context.Context, j *types.Job, fromState types.JobState, fromAttempt int) error
	UpdateProgress(ctx context.Context, id string, progress float64, checkpoint []byte) error
}

// AuditStore is append-only; rows are never updated or deleted by the
// application. AnonymizeUser is the single GDPR carve-out and scrubs
// identity columns without touching the rest of the row.
type AuditStore interface {
	Append(ctx context.Context, rec *types.AuditRecord) error
	Query(ctx context.Context, f types.AuditFilter, cursor *types.AuditCursor, limit int) ([]types.AuditRecord, *types.AuditCursor, error)
	AnonymizeUser(ctx context.Context, userID string) error
}
