// ABOUTME: Resolves inbound events to the conversation key that owns their context.
// ABOUTME: Pure priority mapping; ineligible events resolve to no key at all.

package scope

import "fmt"

// Kind names the isolation class of a conversation key.
type Kind string

const (
	KindDM      Kind = "dm"
	KindThread  Kind = "thread"
	KindTracked Kind = "tracked"
	KindMention Kind = "mention"
	KindWindow  Kind = "window"
)

// Key identifies one isolated conversation. DM keys are per-user; tracked,
// mention, and window keys are per-user per-room, so conversations sharing
// a room never bleed into each other and one user's rooms stay separate.
// Thread keys are shared by every participant in the thread.
type Key struct {
	Kind   Kind
	UserID string
	RoomID string // thread root ID for KindThread, otherwise the room
}

func (k Key) String() string {
	switch k.Kind {
	case KindDM:
		return fmt.Sprintf("%s/%s", k.Kind, k.UserID)
	case KindThread:
		return fmt.Sprintf("%s/%s", k.Kind, k.RoomID)
	default:
		return fmt.Sprintf("%s/%s/%s", k.Kind, k.UserID, k.RoomID)
	}
}

// Meta carries the scope facts the resolver needs about one inbound event.
// The router fills it from platform state; Resolve itself touches nothing
// but this struct.
type Meta struct {
	UserID        string
	RoomID        string
	ThreadID      string // thread root the event belongs to, if any
	Direct        bool   // event arrived in a direct room
	TrackedRoom   bool   // room is on the tracked list
	TrackedThread bool   // thread was created by the bot
	Mentioned     bool   // bot was mentioned
	WindowOpen    bool   // an auto-respond window is open for (user, room)
}

// Resolve maps an event to its conversation key. The second return is false
// when no scope claims the event, in which case the router drops it without
// any visible effect.
//
// Priority, highest first: tracked thread, direct room, tracked room,
// mention, open auto-respond window. A mention inside a tracked thread still
// resolves to the thread so the shared context stays authoritative.
func Resolve(m Meta) (Key, bool) {
	switch {
	case m.TrackedThread && m.ThreadID != "":
		return Key{Kind: KindThread, RoomID: m.ThreadID}, true
	case m.Direct:
		return Key{Kind: KindDM, UserID: m.UserID}, true
	case m.TrackedRoom:
		return Key{Kind: KindTracked, UserID: m.UserID, RoomID: m.RoomID}, true
	case m.Mentioned:
		return Key{Kind: KindMention, UserID: m.UserID, RoomID: m.RoomID}, true
	case m.WindowOpen:
		return Key{Kind: KindWindow, UserID: m.UserID, RoomID: m.RoomID}, true
	default:
		return Key{}, false
	}
}

// WindowKey returns the auto-respond window key for a user in a room,
// regardless of whether a window is currently open. Used to look up window
// state before resolving.
func WindowKey(userID, roomID string) Key {
	return Key{Kind: KindWindow, UserID: userID, RoomID: roomID}
}
