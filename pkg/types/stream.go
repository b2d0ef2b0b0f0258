package types

import "time"

type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// Command is the single byte a stream sends after connecting to tell the
// peer which way data flows.
func (d Direction) Command() byte {
	if d == DirectionUpload {
		return 'U'
	}
	return 'D'
}

type StreamStatus string

const (
	StreamStatusRunning   StreamStatus = "running"
	StreamStatusCompleted StreamStatus = "completed"
	StreamStatusFailed    StreamStatus = "failed"
)

func (s StreamStatus) Terminal() bool {
	return s == StreamStatusCompleted || s == StreamStatusFailed
}

// EndReason records why a stream stopped transferring.
type EndReason string

const (
	EndDeadline EndReason = "deadline"
	EndBudget   EndReason = "budget"
	EndEOF      EndReason = "eof"
	EndStopped  EndReason = "stopped"
	EndError    EndReason = "error"
)

// Full reports whether the stream ran for as long as its phase allowed.
// A stream the peer closed early did not.
func (r EndReason) Full() bool {
	return r == EndDeadline || r == EndBudget
}

// Sample is a cumulative byte count observed at a point in time.
type Sample struct {
	Time  time.Time `json:"time"`
	Bytes int64     `json:"bytes"`
}

// StreamRecord is the final state of one stream after its phase ended.
// Samples are ordered by strictly increasing Time with non-decreasing Bytes.
type StreamRecord struct {
	ID      int          `json:"id"`
	Status  StreamStatus `json:"status"`
	Reason  EndReason    `json:"reason,omitempty"`
	Start   time.Time    `json:"start"`
	End     time.Time    `json:"end"`
	Bytes   int64        `json:"bytes"`
	Samples []Sample     `json:"samples,omitempty"`
	Err     error        `json:"-"`
}
