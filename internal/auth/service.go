// Package auth implements registration, login, MFA, and the refresh-token
// lifecycle with rotation and reuse detection.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/cache"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

const recoveryCodeCount = 10

var totpCodeRe = regexp.MustCompile(`^\d{6}$`)

// Config carries the auth tunables out of the application config.
type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	TempTokenTTL    time.Duration
	BcryptCost      int
	MFACodeStep     time.Duration
	MFACodeSkew     int
	RolesCacheTTL   time.Duration
}

// Service is the auth component. All dependencies are injected; there is no
// package-level state.
type Service struct {
	users  store.UserStore
	tokens store.TokenStore
	roles  store.RoleStore
	cache  cache.Cache
	loader *cache.Loader
	audit  *audit.Recorder
	signer Signer
	log    *zap.Logger
	cfg    Config
	now    func() time.Time
}

// NewService wires the auth service.
func NewService(s store.Store, c cache.Cache, rec *audit.Recorder, signer Signer, log *zap.Logger, cfg Config) *Service {
	return &Service{
		users:  s.Users(),
		tokens: s.Tokens(),
		roles:  s.Roles(),
		cache:  c,
		loader: cache.NewLoader(c),
		audit:  rec,
		signer: signer,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock overrides the clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register creates an account with the Viewer role.
func (s *Service) Register(ctx context.Context, email, password, name, ip, ua string) (*types.User, error) {
	if err := CheckPasswordPolicy(password); err != nil {
		s.audit.RecordAsync(audit.NewEvent("user_register").Client(ip, ua).
			Outcome(types.AuditFailure).Detail(map[string]any{"reason": "weak_password"}).Record())
		return nil, err
	}
	hash, err := HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, types.E(types.ErrInternal, "hash password")
	}
	user := &types.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		s.audit.RecordAsync(audit.NewEvent("user_register").Client(ip, ua).
			Outcome(types.AuditFailure).Record())
		return nil, err
	}
	if viewer, err := s.roles.GetByName(ctx, types.RoleViewer); err == nil {
		if err := s.roles.Assign(ctx, user.ID, viewer.ID); err != nil {
			s.log.Warn("seed viewer role failed", zap.String("user", user.ID), zap.Error(err))
		}
	}
	if err := s.audit.Record(ctx, audit.NewEvent("user_register").
		Actor(user.ID, user.Email).Client(ip, ua).Record()); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials. MFA-enabled users receive a challenge instead
// of tokens. Failures never disclose whether email or password was wrong.
func (s *Service) Login(ctx context.Context, email, password, ip, ua string) (*types.TokenPair, *types.MFAChallenge, error) {
	invalid := types.E(types.ErrAuthInvalid, "invalid email or password")
	fail := func(userID string) (*types.TokenPair, *types.MFAChallenge, error) {
		if err := s.audit.Record(ctx, audit.NewEvent("user_login").
			Actor(userID, email).Client(ip, ua).Outcome(types.AuditFailure).Record()); err != nil {
			return nil, nil, err
		}
		return nil, nil, invalid
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		// Burn a hash compare so a missing account costs the same as a
		// wrong password.
		VerifyPassword("$2a$12$C6UzMDM.H6dfI/f/IKcEeO7ZUarXzAKp092pL5sJhRZYWr3xkfjdO", password)
		return fail("")
	}
	if !VerifyPassword(user.PasswordHash, password) || !user.IsActive {
		return fail(user.ID)
	}
	if user.MFAEnabled {
		temp, _, err := s.signer.Mint(user.ID, user.RolesVersion, PurposeMFAVerify, s.cfg.TempTokenTTL)
		if err != nil {
			return nil, nil, types.E(types.ErrInternal, "mint temp token")
		}
		if err := s.audit.Record(ctx, audit.NewEvent("user_login").
			Actor(user.ID, user.Email).Client(ip, ua).
			Detail(map[string]any{"mfa": "challenged"}).Record()); err != nil {
			return nil, nil, err
		}
		return nil, &types.MFAChallenge{MFARequired: true, TempToken: temp}, nil
	}
	pair, err := s.mintPair(ctx, user, "", ip)
	if err != nil {
		return nil, nil, err
	}
	if err := s.audit.Record(ctx, audit.NewEvent("user_login").
		Actor(user.ID, user.Email).Client(ip, ua).Record()); err != nil {
		return nil, nil, err
	}
	return pair, nil, nil
}

// VerifyMFA completes a challenge with a TOTP code or a recovery code.
// TOTP codes are single-use within their validity window.
func (s *Service) VerifyMFA(ctx context.Context, tempToken, code, ip, ua string) (*types.TokenPair, error) {
	claims, err := s.signer.Verify(tempToken)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeMFAVerify {
		return nil, types.E(types.ErrAuthInvalid, "not an mfa token")
	}
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil || !user.IsActive || !user.MFAEnabled {
		return nil, types.E(types.ErrAuthInvalid, "invalid mfa state")
	}

	fail := func() (*types.TokenPair, error) {
		if err := s.audit.Record(ctx, audit.NewEvent("mfa_verify").
			Actor(user.ID, user.Email).Client(ip, ua).Outcome(types.AuditFailure).Record()); err != nil {
			return nil, err
		}
		return nil, types.E(types.ErrAuthInvalid, "invalid code")
	}

	switch {
	case totpCodeRe.MatchString(code):
		if !ValidateTOTP(code, user.MFASecret, s.cfg.MFACodeStep, s.cfg.MFACodeSkew, s.now()) {
			return fail()
		}
		// Mark the code consumed for its full validity window.
		window := s.cfg.MFACodeStep * time.Duration(2*s.cfg.MFACodeSkew+1)
		fresh, err := s.cache.SetNX(ctx, fmt.Sprintf("mfa:used:%s:%s", user.ID, code), "1", window)
		if err != nil {
			return nil, types.E(types.ErrInternal, "mfa replay check")
		}
		if !fresh {
			return fail()
		}
	default:
		idx := MatchRecoveryCode(code, user.RecoveryCodeHashes)
		if idx < 0 {
			return fail()
		}
		// Consumption is a store-level guarded remove so two concurrent
		// verifications cannot both spend the same one-shot code.
		if err := s.users.ConsumeRecoveryCode(ctx, user.ID, user.RecoveryCodeHashes[idx]); err != nil {
			if types.IsKind(err, types.ErrPreconditioned) {
				return fail()
			}
			return nil, err
		}
	}

	pair, err := s.mintPair(ctx, user, "", ip)
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, audit.NewEvent("mfa_verify").
		Actor(user.ID, user.Email).Client(ip, ua).Record()); err != nil {
		return nil, err
	}
	return pair, nil
}

// Refresh rotates the presented refresh token. Reuse of an already-revoked
// token revokes the whole family and is audited as token_reuse_detected.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, ua string) (*types.TokenPair, error) {
	row, err := s.tokens.GetByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, types.E(types.ErrAuthInvalid, "invalid refresh token")
	}
	if row.Revoked {
		return nil, s.handleReuse(ctx, row, ip, ua)
	}
	if s.now().After(row.ExpiresAt) {
		return nil, types.E(types.ErrTokenExpired, "refresh token expired")
	}
	user, err := s.users.GetByID(ctx, row.UserID)
	if err != nil || !user.IsActive {
		return nil, types.E(types.ErrAuthInvalid, "account unavailable")
	}

	plaintext, successor := s.newRefreshRow(user.ID, row.FamilyID)
	if err := s.tokens.Rotate(ctx, row.ID, successor); err != nil {
		if types.IsKind(err, types.ErrPreconditioned) {
			// Lost a race with another refresh of the same token: that is
			// reuse by definition.
			return nil, s.handleReuse(ctx, row, ip, ua)
		}
		return nil, err
	}
	access, expiresIn, err := s.mintAccess(ctx, user, "", ip)
	if err != nil {
		return nil, err
	}
	s.audit.RecordAsync(audit.NewEvent("token_refresh").
		Actor(user.ID, user.Email).Client(ip, ua).Record())
	return &types.TokenPair{AccessToken: access, RefreshToken: plaintext, ExpiresIn: expiresIn}, nil
}

func (s *Service) handleReuse(ctx context.Context, row *types.RefreshToken, ip, ua string) error {
	if err := s.tokens.RevokeFamily(ctx, row.FamilyID); err != nil {
		s.log.Error("revoke token family failed", zap.String("family", row.FamilyID), zap.Error(err))
	}
	if err := s.audit.Record(ctx, audit.NewEvent("token_reuse_detected").
		Actor(row.UserID, "").Client(ip, ua).Outcome(types.AuditFailure).
		Detail(map[string]any{"familyId": row.FamilyID}).Record()); err != nil {
		return err
	}
	return types.E(types.ErrTokenReuseDetected, "refresh token reuse detected")
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	row, err := s.tokens.GetByHash(ctx, hashToken(refreshToken))
	if err != nil {
		return types.E(types.ErrAuthInvalid, "invalid refresh token")
	}
	if err := s.tokens.Revoke(ctx, row.ID); err != nil {
		return err
	}
	s.audit.RecordAsync(audit.NewEvent("user_logout").Actor(row.UserID, "").Record())
	return nil
}

// LogoutAll revokes every refresh token for the user and bumps the roles
// version so outstanding access tokens die at their next check.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.users.BumpRolesVersion(ctx, userID); err != nil {
		return err
	}
	s.invalidateRolesVersion(ctx, userID)
	return s.audit.Record(ctx, audit.NewEvent("user_logout_all").Actor(userID, "").Record())
}

// ChangePassword verifies the old password and revokes all refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, oldPassword) {
		if err := s.audit.Record(ctx, audit.NewEvent("password_change").
			Actor(user.ID, user.Email).Outcome(types.AuditFailure).Record()); err != nil {
			return err
		}
		return types.E(types.ErrAuthInvalid, "current password is incorrect")
	}
	if err := CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return types.E(types.ErrInternal, "hash password")
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	return s.audit.Record(ctx, audit.NewEvent("password_change").
		Actor(user.ID, user.Email).Record())
}

// SetupMFA generates a secret and recovery codes; MFA stays disabled until
// EnableMFA confirms the user can produce a valid code.
func (s *Service) SetupMFA(ctx context.Context, userID string) (*types.MFASetup, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	secret, url, err := GenerateTOTPSecret(user.Email, s.cfg.MFACodeStep)
	if err != nil {
		return nil, types.E(types.ErrInternal, "generate totp secret")
	}
	codes, hashes, err := GenerateRecoveryCodes(recoveryCodeCount)
	if err != nil {
		return nil, types.E(types.ErrInternal, "generate recovery codes")
	}
	user.MFASecret = secret
	user.RecoveryCodeHashes = hashes
	user.MFAEnabled = false
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	s.audit.RecordAsync(audit.NewEvent("mfa_setup").Actor(user.ID, user.Email).Record())
	return &types.MFASetup{Secret: secret, OTPAuthURL: url, RecoveryCodes: codes}, nil
}

// EnableMFA turns MFA on after the user proves possession of the secret.
func (s *Service) EnableMFA(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return types.E(types.ErrPreconditioned, "mfa setup has not been run")
	}
	if !ValidateTOTP(code, user.MFASecret, s.cfg.MFACodeStep, s.cfg.MFACodeSkew, s.now()) {
		return types.E(types.ErrAuthInvalid, "invalid code")
	}
	user.MFAEnabled = true
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	return s.audit.Record(ctx, audit.NewEvent("mfa_enable").Actor(user.ID, user.Email).Record())
}

// DisableMFA requires password re-auth.
func (s *Service) DisableMFA(ctx context.Context, userID, password string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return types.E(types.ErrAuthInvalid, "password is incorrect")
	}
	user.MFAEnabled = false
	user.MFASecret = ""
	user.RecoveryCodeHashes = nil
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	return s.audit.Record(ctx, audit.NewEvent("mfa_disable").Actor(user.ID, user.Email).Record())
}

// EraseUser is the GDPR erasure path: deactivate, revoke all tokens, and
// anonymize the account and its audit rows in place.
func (s *Service) EraseUser(ctx context.Context, userID, actorID string) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	if err := s.users.Anonymize(ctx, userID); err != nil {
		return err
	}
	if err := s.audit.AnonymizeUser(ctx, userID); err != nil {
		return err
	}
	s.invalidateRolesVersion(ctx, userID)
	return s.audit.Record(ctx, audit.NewEvent("user_erased").
		Actor(actorID, "").Resource("user", userID).Record())
}

// VerifyAccess validates an access token end to end: signature, purpose,
// roles-version freshness, and account liveness.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" && claims.Purpose != PurposeAccess {
		return nil, types.E(types.ErrAuthInvalid, "wrong token purpose")
	}
	current, err := s.CurrentRolesVersion(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.RolesVersion != current {
		return nil, types.E(types.ErrTokenExpired, "roles changed, re-authentication required")
	}
	return claims, nil
}

// CurrentRolesVersion returns the user's roles_version through the KV cache
// (TTL-bounded, single-flight on cold keys).
func (s *Service) CurrentRolesVersion(ctx context.Context, userID string) (int64, error) {
	v, err := s.loader.GetOrLoad(ctx, rolesVersionKey(userID), s.cfg.RolesCacheTTL,
		func(ctx context.Context) (string, error) {
			user, err := s.users.GetByID(ctx, userID)
			if err != nil {
				return "", err
			}
			if !user.IsActive {
				return "", types.E(types.ErrAuthInvalid, "account deactivated")
			}
			return strconv.FormatInt(user.RolesVersion, 10), nil
		})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Service) invalidateRolesVersion(ctx context.Context, userID string) {
	if err := s.loader.Invalidate(ctx, rolesVersionKey(userID)); err != nil {
		s.log.Warn("invalidate roles version cache failed", zap.String("user", userID), zap.Error(err))
	}
}

func rolesVersionKey(userID string) string { return "rv:" + userID }

func (s *Service) mintPair(ctx context.Context, user *types.User, workspaceID, ip string) (*types.TokenPair, error) {
	access, expiresIn, err := s.mintAccess(ctx, user, workspaceID, ip)
	if err != nil {
		return nil, err
	}
	plaintext, row := s.newRefreshRow(user.ID, uuid.NewString())
	if err := s.tokens.Create(ctx, row); err != nil {
		return nil, err
	}
	return &types.TokenPair{AccessToken: access, RefreshToken: plaintext, ExpiresIn: expiresIn}, nil
}

func (s *Service) mintAccess(ctx context.Context, user *types.User, workspaceID, ip string) (string, int64, error) {
	access, jti, err := s.signer.Mint(user.ID, user.RolesVersion, PurposeAccess, s.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, types.E(types.ErrInternal, "mint access token")
	}
	session := types.Session{
		SessionID:   jti,
		UserID:      user.ID,
		IssuedAt:    s.now().UTC(),
		ExpiresAt:   s.now().UTC().Add(s.cfg.AccessTokenTTL),
		WorkspaceID: workspaceID,
		SourceIP:    ip,
	}
	if raw, err := sessionJSON(session); err == nil {
		if err := s.cache.Set(ctx, "sess:"+jti, raw, s.cfg.AccessTokenTTL); err != nil {
			s.log.Warn("session cache write failed", zap.Error(err))
		}
	}
	return access, int64(s.cfg.AccessTokenTTL.Seconds()), nil
}

func (s *Service) newRefreshRow(userID, familyID string) (string, *types.RefreshToken) {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	plaintext := base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, &types.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: hashToken(plaintext),
		ExpiresAt: s.now().UTC().Add(s.cfg.RefreshTokenTTL),
		CreatedAt: s.now().UTC(),
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sessionJSON(s types.Session) (string, error) {
	raw, err := json.Marshal(s)
	return string(raw), err
}
