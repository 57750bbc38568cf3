package trybesync

import (
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
)

type Config struct {
	// AuthWait bounds the wait for an in-flight identity resolution.
	AuthWait time.Duration
	// SnapshotTTL is the maximum age of a usable local snapshot.
	SnapshotTTL time.Duration
	// PersistDebounce delays write-back of trusted media URLs per group. Zero
	// writes immediately.
	PersistDebounce time.Duration
	// NetworkBackoff is the delay before the single retry of a network failure.
	NetworkBackoff time.Duration
	// TrustedHosts lists hosts whose resolved URLs may be written back.
	// Entries starting with "." match any subdomain.
	TrustedHosts []string
	// CategoryImages maps a group category to its placeholder image.
	CategoryImages map[string]string
	DefaultImage   string
	// MessageLimit caps the messages loaded per chat subscription. Zero
	// loads all.
	MessageLimit int
	// ScheduleLayout formats Group.ScheduleLabel.
	ScheduleLayout string
	// SystemName is the sender name of audit messages.
	SystemName string
}

func DefaultConfig() Config {
	return Config{
		AuthWait:        constants.DefaultAuthWait,
		SnapshotTTL:     constants.DefaultSnapshotTTL,
		PersistDebounce: constants.DefaultPersistDebounce,
		NetworkBackoff:  constants.DefaultNetworkBackoff,
		TrustedHosts: []string{
			"firebasestorage.googleapis.com",
			"storage.googleapis.com",
		},
		CategoryImages: map[string]string{},
		DefaultImage:   "https://storage.googleapis.com/trybe-public/placeholders/default.jpg",
		MessageLimit:   500,
		ScheduleLayout: "Mon, Jan 2 · 3:04 PM",
		SystemName:     "Trybe",
	}
}
