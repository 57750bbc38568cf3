// Package reconcile merges authoritative message batches with locally pending
// ones and derives unread counts. Every function here is pure.
package reconcile

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/models"
)

// Key is the normalized identity of a message: sender, body with case and
// whitespace folded, attachment reference, and the 2-second bucket of its
// creation time.
func Key(m models.Message) string {
	bucket := m.CreatedAt.UnixMilli() / constants.DuplicateWindow.Milliseconds()
	if m.CreatedAt.UnixMilli() < 0 && m.CreatedAt.UnixMilli()%constants.DuplicateWindow.Milliseconds() != 0 {
		bucket--
	}
	return string(m.SenderID) + "\x00" + normalizeBody(m.Body) + "\x00" + m.Attachment + "\x00" + strconv.FormatInt(bucket, 10)
}

func normalizeBody(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SortByTime orders msgs ascending by creation time. Equal timestamps keep
// their relative order.
func SortByTime(msgs []models.Message) {
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// Merge reconciles an authoritative batch with the current local list.
// Pending local entries survive only while neither their token nor their
// normalized key appears in the batch. The result is sorted by time and holds
// no two entries sharing a server id, a token, or a normalized key.
func Merge(authoritative, local []models.Message) []models.Message {
	auth := slices.Clone(authoritative)
	SortByTime(auth)

	tokens := make(map[models.Token]struct{}, len(auth))
	keys := make(map[string]struct{}, len(auth))
	for _, m := range auth {
		if m.Token != "" {
			tokens[m.Token] = struct{}{}
		}
		keys[Key(m)] = struct{}{}
	}

	merged := auth
	for _, m := range local {
		if !m.IsPending() {
			continue
		}
		if _, ok := tokens[m.Token]; ok && m.Token != "" {
			continue
		}
		if _, ok := keys[Key(m)]; ok {
			continue
		}
		merged = append(merged, m)
	}
	SortByTime(merged)
	return Dedupe(merged)
}

// Dedupe keeps the first occurrence of every server id, token and normalized
// key. msgs must already be sorted.
func Dedupe(msgs []models.Message) []models.Message {
	ids := make(map[models.MessageID]struct{}, len(msgs))
	tokens := make(map[models.Token]struct{}, len(msgs))
	keys := make(map[string]struct{}, len(msgs))
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := ids[m.ID]; ok {
				continue
			}
		}
		if m.Token != "" {
			if _, ok := tokens[m.Token]; ok {
				continue
			}
		}
		k := Key(m)
		if _, ok := keys[k]; ok {
			continue
		}
		if m.ID != "" {
			ids[m.ID] = struct{}{}
		}
		if m.Token != "" {
			tokens[m.Token] = struct{}{}
		}
		keys[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Append adds an optimistic entry to a reconciled list, keeping it sorted.
func Append(list []models.Message, m models.Message) []models.Message {
	out := append(slices.Clone(list), m)
	SortByTime(out)
	return Dedupe(out)
}

// Unread counts messages from senders other than viewer created strictly
// after cursor. A nil cursor counts every message from other senders.
func Unread(msgs []models.Message, viewer models.UserID, cursor *time.Time) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID == viewer && !viewer.IsZero() {
			continue
		}
		if cursor != nil && !m.CreatedAt.After(*cursor) {
			continue
		}
		n++
	}
	return n
}

// Latest returns the creation time of the newest message.
func Latest(msgs []models.Message) (time.Time, bool) {
	var latest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest, !latest.IsZero()
}
