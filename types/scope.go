package types

import (
	"fmt"
	"strings"
)

// ScopeKind identifies the variant of a memory scope.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeAgent   ScopeKind = "agent"
	ScopeUser    ScopeKind = "user"
	ScopeSession ScopeKind = "session"
)

// Scope is the visibility tag of a memory record. Scopes form a partial
// order by specificity: Session > User > Agent > Global. A record's scope
// never changes after creation.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// GlobalScope returns the Global scope.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// AgentScope returns an Agent scope.
func AgentScope(agentID string) Scope {
	return Scope{Kind: ScopeAgent, AgentID: agentID}
}

// UserScope returns a User scope.
func UserScope(agentID, userID string) Scope {
	return Scope{Kind: ScopeUser, AgentID: agentID, UserID: userID}
}

// SessionScope returns a Session scope.
func SessionScope(agentID, userID, sessionID string) Scope {
	return Scope{Kind: ScopeSession, AgentID: agentID, UserID: userID, SessionID: sessionID}
}

// HierarchyLevel returns the specificity of the scope; Global is 0,
// Session is 3.
func (s Scope) HierarchyLevel() int {
	switch s.Kind {
	case ScopeAgent:
		return 1
	case ScopeUser:
		return 2
	case ScopeSession:
		return 3
	default:
		return 0
	}
}

// Parent returns the next less specific scope, or false for Global.
func (s Scope) Parent() (Scope, bool) {
	switch s.Kind {
	case ScopeAgent:
		return GlobalScope(), true
	case ScopeUser:
		return AgentScope(s.AgentID), true
	case ScopeSession:
		return UserScope(s.AgentID, s.UserID), true
	default:
		return Scope{}, false
	}
}

// CanAccess reports whether a reader in scope s may see records tagged with
// other. A scope sees its own records and everything up its parent chain.
func (s Scope) CanAccess(other Scope) bool {
	cur := s
	for {
		if cur == other {
			return true
		}
		parent, ok := cur.Parent()
		if !ok {
			return false
		}
		cur = parent
	}
}

// Chain returns the scope and all of its ancestors, most specific first.
func (s Scope) Chain() []Scope {
	out := []Scope{s}
	cur := s
	for {
		parent, ok := cur.Parent()
		if !ok {
			return out
		}
		out = append(out, parent)
		cur = parent
	}
}

// Key returns a stable string form usable as a map or cache key.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeAgent:
		return fmt.Sprintf("agent:%s", s.AgentID)
	case ScopeUser:
		return fmt.Sprintf("user:%s:%s", s.AgentID, s.UserID)
	case ScopeSession:
		return fmt.Sprintf("session:%s:%s:%s", s.AgentID, s.UserID, s.SessionID)
	default:
		return "global"
	}
}

// ParseScopeKey parses the form produced by Key.
func ParseScopeKey(key string) (Scope, error) {
	if key == "global" {
		return GlobalScope(), nil
	}
	parts := strings.Split(key, ":")
	switch {
	case parts[0] == "agent" && len(parts) == 2:
		return AgentScope(parts[1]), nil
	case parts[0] == "user" && len(parts) == 3:
		return UserScope(parts[1], parts[2]), nil
	case parts[0] == "session" && len(parts) == 4:
		return SessionScope(parts[1], parts[2], parts[3]), nil
	}
	return Scope{}, NewErrorf(ErrValidation, "invalid scope key %q", key)
}

// Validate checks that the required ids for the scope kind are present.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeAgent:
		if s.AgentID == "" {
			return NewError(ErrValidation, "agent scope requires agent_id")
		}
	case ScopeUser:
		if s.AgentID == "" || s.UserID == "" {
			return NewError(ErrValidation, "user scope requires agent_id and user_id")
		}
	case ScopeSession:
		if s.AgentID == "" || s.UserID == "" || s.SessionID == "" {
			return NewError(ErrValidation, "session scope requires agent_id, user_id and session_id")
		}
	default:
		return NewErrorf(ErrValidation, "unknown scope kind %q", s.Kind)
	}
	return nil
}
