package chat

import "time"

// TimeLayout is the wire timestamp format, local clock of the sending client.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the wire timestamp format.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Identity is the authenticated local user. It is produced by the external
// login step and handed to the engine at construction; the engine never
// mutates it.
type Identity struct {
	// UserID is the opaque unique id used for direct-message routing.
	UserID string
	// Handle is the human-readable display name (a phone number in the
	// original deployment, hence "userphone" on the wire). Not guaranteed
	// unique.
	Handle string
}

// Valid reports whether the identity carries the fields the wire format needs.
func (id Identity) Valid() bool {
	return id.UserID != ""
}
