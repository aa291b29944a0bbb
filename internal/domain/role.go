package domain

import (
	"fmt"
	"strings"
)

// Role is fixed for the lifetime of a session.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBroadcaster:
		return RoleBroadcaster, nil
	case RoleViewer:
		return RoleViewer, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Constraints returns the local media a role captures: broadcasters send
// video and audio, viewers only a talkback microphone.
func (r Role) Constraints() Constraints {
	if r == RoleBroadcaster {
		return Constraints{Video: true, Audio: true}
	}
	return Constraints{Audio: true}
}
