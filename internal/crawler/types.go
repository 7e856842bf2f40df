package crawler

import "time"

// IdentityStatus describes the lifecycle state of an identity.
type IdentityStatus string

const (
	// StatusAvailable identities may be acquired for a crawl.
	StatusAvailable IdentityStatus = "available"
	// StatusInUse identities are held by exactly one running task.
	StatusInUse IdentityStatus = "in_use"
	// StatusBanned identities stay out of rotation until reinstated.
	StatusBanned IdentityStatus = "banned"
)

// Valid reports whether s is a known status.
func (s IdentityStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusBanned:
		return true
	default:
		return false
	}
}

// Tier is the scheduling mode derived from remaining identity capacity.
type Tier string

const (
	// TierNormal crawls every target at the normal interval.
	TierNormal Tier = "normal"
	// TierFallback crawls a reduced channel set at the fallback interval.
	TierFallback Tier = "fallback"
)

// TierFor returns the tier for the given count of non-banned identities.
func TierFor(activeCount int) Tier {
	if activeCount == 1 {
		return TierFallback
	}
	return TierNormal
}

// TaskState tracks the progress of one channel crawl within a cycle.
type TaskState string

// Task states; Done, LockDenied, Failed and Skipped are terminal.
const (
	TaskPending    TaskState = "pending"
	TaskLocking    TaskState = "locking"
	TaskJoining    TaskState = "joining"
	TaskFetching   TaskState = "fetching"
	TaskRetrying   TaskState = "retrying"
	TaskDone       TaskState = "done"
	TaskLockDenied TaskState = "lock_denied"
	TaskFailed     TaskState = "failed"
	TaskSkipped    TaskState = "skipped"
)

// Terminal reports whether no further transitions follow s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskDone, TaskLockDenied, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Message is one item returned by a remote history fetch.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the unit forwarded to downstream consumers.
type Record struct {
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordsFromMessages converts a fetched batch into downstream records.
// Messages without text carry nothing to forward and are dropped.
func RecordsFromMessages(channelID string, msgs []Message) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		out = append(out, Record{Source: channelID, Content: m.Text, Timestamp: m.Timestamp.UTC()})
	}
	return out
}
