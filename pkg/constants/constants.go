package constants

import "time"

// Collections used in the remote document service.
const (
	GroupsCollection      = "groups"
	MessagesCollection    = "messages"
	UsersCollection       = "users"
	ReadCursorsCollection = "read_cursors"
)

const (
	DefaultAuthWait        = 2 * time.Second
	DefaultSnapshotTTL     = 5 * time.Minute
	DefaultPersistDebounce = 500 * time.Millisecond
	DefaultNetworkBackoff  = 300 * time.Millisecond
	DefaultTxnAttempts     = 5
	DuplicateWindow        = 2 * time.Second
)

// SystemSender is the sender id of engine-generated audit messages.
const SystemSender = "system"

// AttendeeMessage is shown when chat access is refused for a non-member.
const AttendeeMessage = "you are not listed as an attendee of this event"
