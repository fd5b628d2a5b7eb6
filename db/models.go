package db

import (
	"time"
)

// SessionType is the closed set of conversation categories.
type SessionType string

const (
	SessionConsultation     SessionType = "consultation"
	SessionAssessment       SessionType = "assessment"
	SessionInterventionPlan SessionType = "intervention-plan"
)

// SessionTypes lists every valid SessionType.
var SessionTypes = []SessionType{SessionConsultation, SessionAssessment, SessionInterventionPlan}

func (t SessionType) Valid() bool {
	for _, v := range SessionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DefaultSessionTitle is the title of a session nobody has named yet.
const DefaultSessionTitle = "New Chat"

// MessageRole constants for valid message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession is a titled, typed conversation thread.
type ChatSession struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Type        SessionType   `json:"type"`
	CreatedTime time.Time     `json:"created_time"`
	UpdatedTime time.Time     `json:"updated_time"`
	Messages    []ChatMessage `json:"messages"`
}

// ChatMessage is a single message within a session. ReasoningContent is only
// filled for assistant messages whose model exposed a reasoning channel.
type ChatMessage struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	SendTime         time.Time `json:"send_time"`
}

// ChatSessionGroup is a display bucket of sessions, e.g. "today".
type ChatSessionGroup struct {
	Key      string
	Sessions []ChatSession
}
