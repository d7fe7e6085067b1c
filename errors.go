package chatsync

import "errors"

var (
	// ErrNegotiateFailed means no push endpoint or credential could be obtained.
	ErrNegotiateFailed = errors.New("negotiate failed")
	// ErrSubscribeFailed means the push connection or the room join failed.
	ErrSubscribeFailed = errors.New("subscribe failed")
	// ErrSendFailed means an outgoing message was not persisted.
	ErrSendFailed = errors.New("send failed")
	// ErrPollCycleFailed marks a single failed poll fetch.
	ErrPollCycleFailed = errors.New("poll cycle failed")
	// ErrNotConnected is returned when a push command is issued without a live connection.
	ErrNotConnected = errors.New("not connected")
)

// MergeOutcome reports what an inbound merge did.
type MergeOutcome int

const (
	Merged MergeOutcome = iota
	MergeSkipped
)

func (o MergeOutcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case MergeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
