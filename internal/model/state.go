package model

import (
	"time"

	"github.com/google/uuid"
)

// PlaybackPosition is engine-owned, updated at >=2Hz while a timeline runs
// and cleared on stop.
type PlaybackPosition struct {
	TimelineID      uuid.UUID
	LoopCount       int
	SegmentIndex    int
	SegmentStart    time.Time
	CurrentTime     float64
	CurrentCueID    int
	TotalCues       int
	UpdatedAt       time.Time
}

// StreamStatus enumerates the lifecycle states of a supervised transcoder
// stream.
type StreamStatus string

const (
	StreamStarting   StreamStatus = "starting"
	StreamRunning    StreamStatus = "running"
	StreamDegraded   StreamStatus = "degraded"
	StreamRestarting StreamStatus = "restarting"
	StreamStopped    StreamStatus = "stopped"
	StreamError      StreamStatus = "error"
)

// StreamState is engine-owned, one per active stream id, exclusively
// mutated by the Transcoder Supervisor and read by the Stream Router,
// Health Watchdog, and status accessors.
type StreamState struct {
	ID                     uuid.UUID // == timeline id for the active timeline
	Status                 StreamStatus
	StartedAt              time.Time
	RetryCount             int
	LastError              string
	OutputURLs             []string
	DestinationIDs         []uuid.UUID
	LastSegmentCompletedAt time.Time
}

// RelayState is engine-owned, one per camera the relay pool is keeping warm.
type RelayState struct {
	CameraID         uuid.UUID
	LocalRTMPURL     string
	LastRestartAt    time.Time
	PID              int
}
