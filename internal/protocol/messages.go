// Package protocol holds the JSON messages exchanged over the bus.
package protocol

import "time"

// Subject suffixes, joined under the configured prefix.
const (
	SubjectGenerate = "generate"
	SubjectRuns     = "runs"
)

// QueueWorkers is the queue group shared by every podcastd instance serving
// generate requests.
const QueueWorkers = "podcast-workers"

// GenerateReply answers a generate request. Error is empty on success.
type GenerateReply struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// RunEvent is published on <prefix>.runs.<run_id> for every state transition.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	State     string    `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
