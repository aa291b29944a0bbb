package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AnonymousAccount stands in for the account part of an identity when the
// participant is not signed in.
const AnonymousAccount = "anonymous"

// ParticipantID identifies one device for the lifetime of one session.
type ParticipantID string

// NewParticipantID joins account with a random per-session suffix so two
// devices under the same account never collide.
func NewParticipantID(account string) ParticipantID {
	account = strings.TrimSpace(account)
	if account == "" {
		account = AnonymousAccount
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return ParticipantID(fmt.Sprintf("%s-%s", account, suffix))
}
