package wire

import (
	"time"

	"github.com/hodei/pipelines/pkg/types"
)

// ProtocolVersion is negotiated at registration. The orchestrator rejects
// workers speaking a different major version.
const ProtocolVersion = 1

// WorkerMessage is the worker-to-orchestrator envelope. Exactly one field is
// set per message.
type WorkerMessage struct {
	Register    *RegisterRequest `json:"register,omitempty"`
	Heartbeat   *Heartbeat       `json:"heartbeat,omitempty"`
	Status      *StatusUpdate    `json:"status,omitempty"`
	Log         *LogChunk        `json:"log,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	ArtifactAck *ArtifactAck     `json:"artifactAck,omitempty"`
	Cache       *CacheResponse   `json:"cache,omitempty"`
}

// Kind names the populated field, for routing and logs
func (m *WorkerMessage) Kind() string {
	switch {
	case m.Register != nil:
		return "register"
	case m.Heartbeat != nil:
		return "heartbeat"
	case m.Status != nil:
		return "status"
	case m.Log != nil:
		return "log"
	case m.Result != nil:
		return "result"
	case m.ArtifactAck != nil:
		return "artifactAck"
	case m.Cache != nil:
		return "cache"
	}
	return "empty"
}

// OrchestratorMessage is the orchestrator-to-worker envelope. Exactly one
// field is set per message.
type OrchestratorMessage struct {
	RegisterAck *RegisterAck   `json:"registerAck,omitempty"`
	Assignment  *Assignment    `json:"assignment,omitempty"`
	Cancel      *CancelRequest `json:"cancel,omitempty"`
	Chunk       *ArtifactChunk `json:"chunk,omitempty"`
	CacheQuery  *CacheQuery    `json:"cacheQuery,omitempty"`
}

// Kind names the populated field, for routing and logs
func (m *OrchestratorMessage) Kind() string {
	switch {
	case m.RegisterAck != nil:
		return "registerAck"
	case m.Assignment != nil:
		return "assignment"
	case m.Cancel != nil:
		return "cancel"
	case m.Chunk != nil:
		return "chunk"
	case m.CacheQuery != nil:
		return "cacheQuery"
	}
	return "empty"
}

// RegisterRequest is the first message on every session. The session token
// must match the one issued when the worker instance was provisioned.
type RegisterRequest struct {
	WorkerID        string                    `json:"workerId"`
	PoolID          string                    `json:"poolId"`
	SessionToken    string                    `json:"sessionToken"`
	Capabilities    *types.WorkerCapabilities `json:"capabilities,omitempty"`
	InstanceID      string                    `json:"instanceId,omitempty"`
	ProtocolVersion int                       `json:"protocolVersion"`
}

// RegisterAck confirms registration and carries the heartbeat cadence
type RegisterAck struct {
	WorkerID          string `json:"workerId"`
	HeartbeatInterval int64  `json:"heartbeatIntervalMs"` // Milliseconds
	ProtocolVersion   int    `json:"protocolVersion"`
}

// Heartbeat keeps the session alive. Any message refreshes liveness; idle
// workers send these on the negotiated cadence.
type Heartbeat struct {
	WorkerID string    `json:"workerId"`
	SentAt   time.Time `json:"sentAt"`
}

// Assignment dispatches a job to the worker
type Assignment struct {
	JobID      string               `json:"jobId"`
	JobName    string               `json:"jobName,omitempty"`
	Definition *types.JobDefinition `json:"definition"`
	Artifacts  []*types.ArtifactRef `json:"artifacts,omitempty"`
	AssignedAt time.Time            `json:"assignedAt"`
}

// CancelRequest asks the worker to stop a job: graceful interrupt first,
// forced kill after the grace period.
type CancelRequest struct {
	JobID  string        `json:"jobId"`
	Reason string        `json:"reason,omitempty"`
	Grace  time.Duration `json:"graceNs"`
}

// StatusUpdate relays one execution event from the interpreter. Seq is
// assigned by the orchestrator's event log, not the worker.
type StatusUpdate struct {
	JobID string                `json:"jobId"`
	Event *types.ExecutionEvent `json:"event"`
}

// LogChunk carries raw step output. Chunks for one stream arrive in order.
type LogChunk struct {
	JobID  string `json:"jobId"`
	Stage  string `json:"stage,omitempty"`
	Step   string `json:"step,omitempty"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   []byte `json:"data"`
}

// StageResult summarizes one stage in the final result
type StageResult struct {
	Name     string             `json:"name"`
	Outcome  types.StageOutcome `json:"outcome"`
	Duration time.Duration      `json:"durationNs"`
}

// ExecutionResult is the worker's final word on a job
type ExecutionResult struct {
	JobID    string          `json:"jobId"`
	Status   types.JobStatus `json:"status"` // completed, failed or cancelled
	ExitCode int             `json:"exitCode"`
	Unstable bool            `json:"unstable,omitempty"`
	Failure  *types.Failure  `json:"failure,omitempty"`
	Stages   []*StageResult  `json:"stages,omitempty"`
}

// CacheQuery asks the worker which required artifacts it already holds
type CacheQuery struct {
	JobID     string   `json:"jobId"`
	Artifacts []string `json:"artifacts"` // Artifact ids
}

// CacheResponse answers a CacheQuery with one entry per requested artifact.
// The orchestrator skips transferring hits whose checksum matches its own
// record of the content.
type CacheResponse struct {
	JobID   string        `json:"jobId"`
	Entries []*CacheEntry `json:"entries"`
}

// CacheEntry reports one artifact's presence in the worker's local cache.
// Checksum is set only for present entries.
type CacheEntry struct {
	ArtifactID string `json:"artifactId"`
	Present    bool   `json:"present"`
	Checksum   string `json:"checksum,omitempty"`
}

// ArtifactAck confirms an artifact is held by the worker, either freshly
// assembled (Cached false) or served from its cache, or reports why a
// transfer was rejected.
type ArtifactAck struct {
	JobID      string `json:"jobId"`
	ArtifactID string `json:"artifactId"`
	OK         bool   `json:"ok"`
	Cached     bool   `json:"cached,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ArtifactChunk is one bounded slice of an artifact transfer. Chunks for one
// artifact are sent in Seq order; Last marks the final chunk.
type ArtifactChunk struct {
	JobID           string                 `json:"jobId"`
	ArtifactID      string                 `json:"artifactId"`
	Seq             int                    `json:"seq"`
	Data            []byte                 `json:"data"`
	Last            bool                   `json:"last"`
	Encoding        types.ArtifactEncoding `json:"encoding"`
	Checksum        string                 `json:"checksum"` // SHA-256 of the decompressed content
	TotalSize       int64                  `json:"totalSize"`
	DestinationPath string                 `json:"destinationPath,omitempty"`
}
