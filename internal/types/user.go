package types

import "time"

// User is an account row in the durable store. Users are soft-deactivated,
// never hard-deleted while audit rows reference them.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	PasswordHash      string     `json:"-"`
	MFASecret         string     `json:"-"`
	MFAEnabled        bool       `json:"mfaEnabled"`
	RecoveryCodeHashes []string  `json:"-"`
	IsActive          bool       `json:"isActive"`
	RolesVersion      int64      `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	DeactivatedAt     *time.Time `json:"deactivatedAt,omitempty"`
}

// Role is a named permission set. The five seeded roles cannot be deleted.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	Seeded      bool         `json:"seeded"`
}

// RefreshToken is one link in a refresh family. Only the hash is stored.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FamilyID  string    `json:"familyId"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session mirrors an issued access token for mid-session revocation checks.
type Session struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	SourceIP    string    `json:"sourceIp,omitempty"`
}

// TokenPair is the result of a successful login, MFA verify, or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// MFAChallenge is returned by login when the user has MFA enabled.
type MFAChallenge struct {
	MFARequired bool   `json:"mfaRequired"`
	TempToken   string `json:"tempToken"`
}

// MFASetup carries the generated secret back to the client exactly once.
type MFASetup struct {
	Secret        string   `json:"secret"`
	OTPAuthURL    string   `json:"otpauthUrl"`
	RecoveryCodes []string `json:"recoveryCodes"`
}
