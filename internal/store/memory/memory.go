// Package memory provides an in-memory Store used by tests and local
// development. All methods are safe for concurrent use; atomic operations
// hold the store-wide mutex for their full duration, matching the
// transactional guarantees of the postgres implementation.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	users      map[string]*types.User
	emails     map[string]string // lowercased email -> user id
	roles      map[string]*types.Role
	userRoles  map[string]map[string]bool // user id -> role id set
	tokens     map[string]*types.RefreshToken
	tokenHash  map[string]string // hash -> token id
	workspaces map[string]*types.Workspace
	members    map[string]map[string]*types.WorkspaceMember // ws id -> user id
	states     map[string]stateRow
	snapshots  map[string]map[string]*types.CRDTSnapshot
	jobs       map[string]*types.Job
	audits     []types.AuditRecord
}

type stateRow struct {
	fields  json.RawMessage
	version int64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:      map[string]*types.User{},
		emails:     map[string]string{},
		roles:      map[string]*types.Role{},
		userRoles:  map[string]map[string]bool{},
		tokens:     map[string]*types.RefreshToken{},
		tokenHash:  map[string]string{},
		workspaces: map[string]*types.Workspace{},
		members:    map[string]map[string]*types.WorkspaceMember{},
		states:     map[string]stateRow{},
		snapshots:  map[string]map[string]*types.CRDTSnapshot{},
		jobs:       map[string]*types.Job{},
	}
}

func (s *Store) Users() store.UserStore           { return (*userStore)(s) }
func (s *Store) Roles() store.RoleStore           { return (*roleStore)(s) }
func (s *Store) Tokens() store.TokenStore         { return (*tokenStore)(s) }
func (s *Store) Workspaces() store.WorkspaceStore { return (*workspaceStore)(s) }
func (s *Store) Jobs() store.JobStore             { return (*jobStore)(s) }
func (s *Store) Audit() store.AuditStore          { return (*auditStore)(s) }

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close()                         {}

// --- users ---

type userStore Store

func (s *userStore) Create(ctx context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, exists := s.emails[key]; exists {
		return types.E(types.ErrConflict, "email already in use")
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[key] = u.ID
	return nil
}

func (s *userStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, types.E(types.ErrNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, types.E(types.ErrNotFound, "user not found")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *userStore) Update(ctx context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.users[u.ID]
	if !ok {
		return types.E(types.ErrNotFound, "user not found")
	}
	if !strings.EqualFold(old.Email, u.Email) {
		if _, exists := s.emails[strings.ToLower(u.Email)]; exists {
			return types.E(types.ErrConflict, "email already in use")
		}
		delete(s.emails, strings.ToLower(old.Email))
		s.emails[strings.ToLower(u.Email)] = u.ID
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) BumpRolesVersion(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, types.E(types.ErrNotFound, "user not found")
	}
	u.RolesVersion++
	return u.RolesVersion, nil
}

func (s *userStore) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return types.E(types.ErrNotFound, "user not found")
	}
	for i, h := range u.RecoveryCodeHashes {
		if h == codeHash {
			u.RecoveryCodeHashes = append(u.RecoveryCodeHashes[:i], u.RecoveryCodeHashes[i+1:]...)
			return nil
		}
	}
	return types.E(types.ErrPreconditioned, "recovery code already used")
}

func (s *userStore) Anonymize(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return types.E(types.ErrNotFound, "user not found")
	}
	delete(s.emails, strings.ToLower(u.Email))
	now := time.Now().UTC()
	u.Email = "deleted+" + userID + "@anonymized.invalid"
	u.Name = "Deleted User"
	u.PasswordHash = ""
	u.MFASecret = ""
	u.MFAEnabled = false
	u.RecoveryCodeHashes = nil
	u.IsActive = false
	u.DeactivatedAt = &now
	s.emails[strings.ToLower(u.Email)] = userID
	return nil
}

// --- roles ---

type roleStore Store

func (s *roleStore) Create(ctx context.Context, r *types.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, r.Name) {
			return types.E(types.ErrConflict, "role name already exists")
		}
	}
	cp := *r
	cp.Permissions = append([]types.Permission(nil), r.Permissions...)
	s.roles[r.ID] = &cp
	return nil
}

func (s *roleStore) Update(ctx context.Context, r *types.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return types.E(types.ErrNotFound, "role not found")
	}
	cp := *r
	cp.Permissions = append([]types.Permission(nil), r.Permissions...)
	s.roles[r.ID] = &cp
	return nil
}

func (s *roleStore) Delete(ctx context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return types.E(types.ErrNotFound, "role not found")
	}
	for _, assigned := range s.userRoles {
		if assigned[roleID] {
			return types.E(types.ErrConflict, "role is still assigned")
		}
	}
	delete(s.roles, roleID)
	return nil
}

func (s *roleStore) GetByID(ctx context.Context, roleID string) (*types.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, types.E(types.ErrNotFound, "role not found")
	}
	cp := *r
	return &cp, nil
}

func (s *roleStore) GetByName(ctx context.Context, name string) (*types.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if strings.EqualFold(r.Name, name) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, types.E(types.ErrNotFound, "role not found")
}

func (s *roleStore) List(ctx context.Context) ([]types.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return types.E(types.ErrNotFound, "user not found")
	}
	if _, ok := s.roles[roleID]; !ok {
		return types.E(types.ErrNotFound, "role not found")
	}
	if s.userRoles[userID] == nil {
		s.userRoles[userID] = map[string]bool{}
	}
	s.userRoles[userID][roleID] = true
	return nil
}

func (s *roleStore) Remove(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.userRoles[userID][roleID] {
		return types.E(types.ErrNotFound, "role not assigned")
	}
	delete(s.userRoles[userID], roleID)
	return nil
}

func (s *roleStore) RolesOfUser(ctx context.Context, userID string) ([]types.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Role
	for roleID := range s.userRoles[userID] {
		if r, ok := s.roles[roleID]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- refresh tokens ---

type tokenStore Store

func (s *tokenStore) Create(ctx context.Context, t *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	s.tokenHash[t.TokenHash] = t.ID
	return nil
}

func (s *tokenStore) GetByHash(ctx context.Context, hash string) (*types.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenHash[hash]
	if !ok {
		return nil, types.E(types.ErrNotFound, "token not found")
	}
	cp := *s.tokens[id]
	return &cp, nil
}

func (s *tokenStore) Rotate(ctx context.Context, oldID string, successor *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok {
		return types.E(types.ErrNotFound, "token not found")
	}
	if old.Revoked {
		return types.E(types.ErrPreconditioned, "token already revoked")
	}
	old.Revoked = true
	cp := *successor
	s.tokens[successor.ID] = &cp
	s.tokenHash[successor.TokenHash] = successor.ID
	return nil
}

func (s *tokenStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return types.E(types.ErrNotFound, "token not found")
	}
	t.Revoked = true
	return nil
}

func (s *tokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.FamilyID == familyID {
			t.Revoked = true
		}
	}
	return nil
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

// --- workspaces ---

type workspaceStore Store

func (s *workspaceStore) Create(ctx context.Context, w *types.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workspaces[w.ID] = &cp
	s.members[w.ID] = map[string]*types.WorkspaceMember{
		w.OwnerUserID: {
			WorkspaceID: w.ID,
			UserID:      w.OwnerUserID,
			Role:        types.MemberOwner,
			JoinedAt:    w.CreatedAt,
			LastSeen:    w.CreatedAt,
		},
	}
	return nil
}

func (s *workspaceStore) Get(ctx context.Context, id string) (*types.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, types.E(types.ErrNotFound, "workspace not found")
	}
	cp := *w
	return &cp, nil
}

func (s *workspaceStore) Update(ctx context.Context, w *types.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	cp := *w
	s.workspaces[w.ID] = &cp
	return nil
}

func (s *workspaceStore) Teardown(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	delete(s.members, id)
	delete(s.states, id)
	delete(s.snapshots, id)
	delete(s.workspaces, id)
	return nil
}

func (s *workspaceStore) ListForUser(ctx context.Context, userID string) ([]types.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Workspace
	for wsID, members := range s.members {
		if _, ok := members[userID]; ok {
			out = append(out, *s.workspaces[wsID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *workspaceStore) AddMember(ctx context.Context, m *types.WorkspaceMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[m.WorkspaceID]
	if !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	if _, exists := members[m.UserID]; exists {
		return types.E(types.ErrConflict, "already a member")
	}
	cp := *m
	members[m.UserID] = &cp
	return nil
}

func (s *workspaceStore) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[workspaceID]
	if !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	if _, exists := members[userID]; !exists {
		return types.E(types.ErrNotFound, "not a member")
	}
	delete(members, userID)
	return nil
}

func (s *workspaceStore) SetMemberRole(ctx context.Context, workspaceID, userID string, role types.MemberRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[workspaceID][userID]
	if !ok {
		return types.E(types.ErrNotFound, "not a member")
	}
	m.Role = role
	return nil
}

func (s *workspaceStore) TransferOwnership(ctx context.Context, workspaceID, fromUserID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[workspaceID]
	if !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	from, ok := members[fromUserID]
	if !ok || from.Role != types.MemberOwner {
		return types.E(types.ErrPreconditioned, "transferor is not the owner")
	}
	to, ok := members[toUserID]
	if !ok {
		return types.E(types.ErrNotFound, "target is not a member")
	}
	from.Role = types.MemberEditor
	to.Role = types.MemberOwner
	s.workspaces[workspaceID].OwnerUserID = toUserID
	return nil
}

func (s *workspaceStore) GetMember(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[workspaceID][userID]
	if !ok {
		return nil, types.E(types.ErrNotFound, "not a member")
	}
	cp := *m
	return &cp, nil
}

func (s *workspaceStore) ListMembers(ctx context.Context, workspaceID string) ([]types.WorkspaceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[workspaceID]
	if !ok {
		return nil, types.E(types.ErrNotFound, "workspace not found")
	}
	out := make([]types.WorkspaceMember, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *workspaceStore) TouchMember(ctx context.Context, workspaceID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[workspaceID][userID]; ok {
		m.LastSeen = at
	}
	return nil
}

func (s *workspaceStore) SaveState(ctx context.Context, workspaceID string, fields json.RawMessage, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return types.E(types.ErrNotFound, "workspace not found")
	}
	s.states[workspaceID] = stateRow{fields: append(json.RawMessage(nil), fields...), version: version}
	return nil
}

func (s *workspaceStore) LoadState(ctx context.Context, workspaceID string) (json.RawMessage, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.states[workspaceID]
	if !ok {
		return nil, 0, types.E(types.ErrNotFound, "no persisted state")
	}
	return append(json.RawMessage(nil), row.fields...), row.version, nil
}

func (s *workspaceStore) SaveSnapshot(ctx context.Context, snap *types.CRDTSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots[snap.WorkspaceID] == nil {
		s.snapshots[snap.WorkspaceID] = map[string]*types.CRDTSnapshot{}
	}
	cp := *snap
	cp.Fields = map[string]types.LWWEntry{}
	for k, v := range snap.Fields {
		cp.Fields[k] = v
	}
	s.snapshots[snap.WorkspaceID][snap.ID] = &cp
	return nil
}

func (s *workspaceStore) GetSnapshot(ctx context.Context, workspaceID, snapshotID string) (*types.CRDTSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[workspaceID][snapshotID]
	if !ok {
		return nil, types.E(types.ErrNotFound, "snapshot not found")
	}
	cp := *snap
	return &cp, nil
}

func (s *workspaceStore) ListSnapshots(ctx context.Context, workspaceID string) ([]types.CRDTSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CRDTSnapshot
	for _, snap := range s.snapshots[workspaceID] {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- jobs ---

type jobStore Store

func (s *jobStore) Create(ctx context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *jobStore) Get(ctx context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, types.E(types.ErrNotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (s *jobStore) List(ctx context.Context, ownerUserID string, states []types.JobState, limit int) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Job
	for _, j := range s.jobs {
		if ownerUserID != "" && j.OwnerUserID != ownerUserID {
			continue
		}
		if len(states) > 0 {
			match := false
			for _, st := range states {
				if j.State == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *jobStore) ListUnfinished(ctx context.Context) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Job
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *jobStore) CAS(ctx context.Context, j *types.Job, fromState types.JobState, fromAttempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return types.E(types.ErrNotFound, "job not found")
	}
	if cur.State != fromState || cur.Attempt != fromAttempt {
		return types.E(types.ErrPreconditioned, "job state changed concurrently")
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *jobStore) UpdateProgress(ctx context.Context, id string, progress float64, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.E(types.ErrNotFound, "job not found")
	}
	j.Progress = progress
	if checkpoint != nil {
		j.Checkpoint = append([]byte(nil), checkpoint...)
	}
	return nil
}

// --- audit ---

type auditStore Store

func (s *auditStore) Append(ctx context.Context, rec *types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *rec)
	return nil
}

func (s *auditStore) Query(ctx context.Context, f types.AuditFilter, cursor *types.AuditCursor, limit int) ([]types.AuditRecord, *types.AuditCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]types.AuditRecord, 0, len(s.audits))
	for _, rec := range s.audits {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && rec.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && rec.ResourceID != f.ResourceID {
			continue
		}
		if f.Result != "" && rec.Result != f.Result {
			continue
		}
		if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
			continue
		}
		rows = append(rows, rec)
	}
	// Newest first; paginate on (timestamp, id).
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ID > rows[j].ID
	})
	if cursor != nil {
		filtered := rows[:0]
		for _, rec := range rows {
			if rec.Timestamp.Before(cursor.Timestamp) ||
				(rec.Timestamp.Equal(cursor.Timestamp) && rec.ID < cursor.ID) {
				filtered = append(filtered, rec)
			}
		}
		rows = filtered
	}
	if limit <= 0 {
		limit = 50
	}
	var next *types.AuditCursor
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = &types.AuditCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return rows, next, nil
}

func (s *auditStore) AnonymizeUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].UserID == userID {
			s.audits[i].UserID = "anonymized"
			s.audits[i].Email = ""
			s.audits[i].IP = ""
			s.audits[i].UserAgent = ""
		}
	}
	return nil
}
