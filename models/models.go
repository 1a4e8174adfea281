package models

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	Id         string
	Username   string
	Provider   string
	ProviderId string
	Role       UserRole
	Created    int64
}

type CallerKind string

const (
	CallerAdmin     CallerKind = "admin"
	CallerUser      CallerKind = "user"
	CallerAnonymous CallerKind = "anonymous"
)

// Caller is the identity attached to a request. It is resolved from the
// bearer token before it reaches the service and is never computed there.
type Caller struct {
	Kind   CallerKind
	UserId string
}

var Anonymous = Caller{Kind: CallerAnonymous}

func (c Caller) IsAdmin() bool {
	return c.Kind == CallerAdmin
}

func (c Caller) IsAuthenticated() bool {
	return c.Kind == CallerAdmin || c.Kind == CallerUser
}

// ActorId is the identifier recorded in the audit trail.
func (c Caller) ActorId() string {
	switch c.Kind {
	case CallerAdmin:
		if c.UserId != "" {
			return "admin:" + c.UserId
		}
		return "admin"
	case CallerUser:
		return "user:" + c.UserId
	default:
		return "anonymous"
	}
}

type AuditEventType string

const (
	AuditCreated   AuditEventType = "created"
	AuditViewed    AuditEventType = "viewed"
	AuditSigned    AuditEventType = "signed"
	AuditCompleted AuditEventType = "completed"
	AuditEdited    AuditEventType = "edited"
	AuditDeleted   AuditEventType = "deleted"
)

type AuditEvent struct {
	DocumentId string            `json:"documentId"`
	EventId    string            `json:"eventId"`
	Type       AuditEventType    `json:"type"`
	Actor      string            `json:"actor"`
	At         time.Time         `json:"at"`
	Detail     map[string]string `json:"detail,omitempty"`
}
