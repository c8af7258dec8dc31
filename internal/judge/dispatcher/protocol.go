// Package dispatcher implements the worker's side of the bidirectional
// task channel: a gorilla/websocket connection carrying JSON frames, an
// HMAC-over-nonce handshake, and the ready/consume/progress/requestFiles
// client verbs described for the worker loop.
package dispatcher

import (
	"encoding/json"

	"ojworker/internal/judge/plan"
	"ojworker/internal/judge/sandbox"
)

// Frame is the wire envelope for every message on the channel. ID
// correlates a request frame with its response frame; server-pushed
// frames (task, cancel, authFailed) leave it empty.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	typeChallenge   = "challenge"
	typeAuth        = "auth"
	typeAuthorized  = "authorized"
	typeAuthFailed  = "authFailed"
	typeReady       = "ready"
	typeConsume     = "consume"
	typeTask        = "task"
	typeAck         = "ack"
	typeCancel      = "cancel"
	typeProgress    = "progress"
	typeRequestURLs = "requestFiles"
	typeFileURLs    = "fileUrls"
	typeSystemInfo  = "systemInfo"
)

// ServerSideLimits are the byte-count truncation limits the dispatcher
// hands down at authorization time (§6 progress snapshot truncation).
type ServerSideLimits struct {
	CompilerMessage            int64 `json:"compilerMessage"`
	OutputSize                 int64 `json:"outputSize"`
	DataDisplay                int64 `json:"dataDisplay"`
	DataDisplayForSubmitAnswer int64 `json:"dataDisplayForSubmitAnswer"`
	StderrDisplay              int64 `json:"stderrDisplay"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type authPayload struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

type authorizedPayload struct {
	Name             string           `json:"name"`
	ServerSideLimits ServerSideLimits `json:"serverSideLimits"`
}

type authFailedPayload struct {
	Reason string `json:"reason"`
}

type consumePayload struct {
	ThreadIndex int `json:"threadIndex"`
}

// TaskSubmission is the submitted-program half of a dispatched task; file
// fields are content ids resolved through the ingest store, not paths.
type TaskSubmission struct {
	LanguageID        string   `json:"languageId"`
	SourceContentID   string   `json:"sourceContentId"`
	ExtraCompileFlags []string `json:"extraCompileFlags,omitempty"`
	ArchiveContentID  string   `json:"archiveContentId,omitempty"`
	SkipSamples       bool     `json:"skipSamples"`
}

// Task is one unit of dispatched work.
type Task struct {
	SubmissionID string            `json:"submissionId"`
	Plan         plan.Plan         `json:"plan"`
	Submission   TaskSubmission    `json:"submission"`
	ContentIDs   map[string]string `json:"contentIds"` // logical name -> content id
}

type taskPayload struct {
	ThreadIndex int    `json:"threadIndex"`
	Task        Task   `json:"task"`
	AckID       string `json:"ackId"`
}

type ackPayload struct {
	TaskID string `json:"taskId"`
}

type cancelPayload struct {
	TaskID string `json:"taskId"`
}

type progressPayload struct {
	SubmissionID string                    `json:"submissionId"`
	Snapshot     sandbox.ProgressSnapshot  `json:"snapshot"`
}

type requestFilesPayload struct {
	ContentIDs []string `json:"contentIds"`
}

type fileURLsPayload struct {
	URLs map[string]string `json:"urls"` // content id -> download URL
}

// SystemInfo is reported once after authorization.
type SystemInfo struct {
	Hostname       string `json:"hostname"`
	CPUCount       int    `json:"cpuCount"`
	MaxConcurrency int    `json:"maxConcurrency"`
	Version        string `json:"version"`
}

type systemInfoPayload struct {
	Info SystemInfo `json:"info"`
}
