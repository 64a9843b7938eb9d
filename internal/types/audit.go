package types

import (
	"encoding/json"
	"time"
)

// AuditResult records how an audited action ended.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditError   AuditResult = "error"
)

// AuditRecord is append-only. Rows are never updated or deleted by the
// application; GDPR erasure anonymizes user_id/email in place.
type AuditRecord struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"userId,omitempty"`
	Email        string          `json:"email,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	Result       AuditResult     `json:"result"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// AuditFilter selects audit rows; zero values mean "any".
type AuditFilter struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Result       AuditResult
	Since        time.Time
	Until        time.Time
}

// AuditCursor is the (timestamp, id) composite pagination cursor.
type AuditCursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}
