// ABOUTME: Core conversation types shared across the store, router, and trackers.
// ABOUTME: Turns carry author attribution because thread contexts are shared.

package conversation

import (
	"fmt"
	"time"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/scope"
)

// Role marks which side of the exchange a turn belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Depth is the reasoning effort requested from the model.
type Depth string

const (
	DepthMinimal Depth = "minimal"
	DepthLow     Depth = "low"
	DepthMedium  Depth = "medium"
	DepthHigh    Depth = "high"
)

// DefaultDepth is used until a key configures its own.
const DefaultDepth = DepthMedium

// ParseDepth validates a user-supplied reasoning depth.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case DepthMinimal, DepthLow, DepthMedium, DepthHigh:
		return Depth(s), nil
	default:
		return "", fmt.Errorf("unknown reasoning depth %q (minimal, low, medium, high)", s)
	}
}

// Author identifies who wrote a turn.
type Author struct {
	ID   string // platform user ID
	Name string // display name at the time of the turn
}

// Turn is one side of an exchange. IDs are assigned by the store on append
// so delete and regenerate actions can address the exact turn later.
type Turn struct {
	ID     string
	Role   Role
	Author Author
	Parts  []content.Part
	At     time.Time
}

// Fragment is loaded context with a bounded lifetime. Each successful
// exchange on the owning key consumes one use; the fragment is dropped the
// moment its counter reaches zero.
type Fragment struct {
	Label         string // where the fragment came from, for the settings view
	Text          string
	RemainingUses int
}

// Settings is a partial settings update. Nil fields are left untouched.
// An empty persona string clears the persona back to the default.
type Settings struct {
	Persona *string
	Depth   *Depth
}

// Snapshot is a copy of one record's state, taken under the record lock and
// safe to read while the caller performs network calls.
type Snapshot struct {
	Key       scope.Key
	Turns     []Turn
	Persona   string
	Depth     Depth
	Fragments []Fragment
}

// Request is a platform-agnostic user turn awaiting generation, carrying
// enough addressing to deliver the reply and to replay the exact same
// request later for retry and regenerate. Parts are fully resolved (media
// fetched) before a Request is built, so replays never refetch.
type Request struct {
	ID         string // request ID for log correlation
	Key        scope.Key
	Author     Author
	Parts      []content.Part
	Ancestors  []content.Part // attributed reply-chain context, oldest first
	RoomID     string
	ThreadID   string // thread root to reply under, if any
	EventID    string // platform event that triggered the request
	UserTurnID string // the recorded user turn, once appended; replays skip re-appending
}
