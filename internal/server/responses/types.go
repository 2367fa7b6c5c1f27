// Package responses defines the API response types of the controller's HTTP
// surface.
package responses

import "time"

// SubmitResponse is returned from build submission with the submitter's
// access token. The token appears here and nowhere else.
type SubmitResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	AccessToken string    `json:"access_token"`
}

// BuildResponse is the public view of a build row. Tokens, OTPs, and blob
// paths never appear here.
type BuildResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Platform     string     `json:"platform"`
	WorkerID     string     `json:"worker_id,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryOf      string     `json:"retry_of,omitempty"`
}

// BuildListResponse wraps the admin list endpoint.
type BuildListResponse struct {
	Builds []BuildResponse `json:"builds"`
	Total  int64           `json:"total"`
}

// LogLine is one build log entry on the wire.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogsResponse wraps the log listing endpoint.
type LogsResponse struct {
	Logs []LogLine `json:"logs"`
}

// CancelResponse confirms a cancellation.
type CancelResponse struct {
	Status string `json:"status"`
}

// RetryResponse is returned from the retry endpoint, carrying the child
// build's fresh token.
type RetryResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AccessToken     string `json:"access_token"`
	OriginalBuildID string `json:"original_build_id"`
}

// RegisterResponse confirms worker registration. The worker token travels
// here and rotates on every dispatched job.
type RegisterResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // registered | re-registered
	AccessToken string `json:"access_token"`
}

// JobDescriptor is the claimed job handed to a polling worker.
type JobDescriptor struct {
	ID           string    `json:"id"`
	Platform     string    `json:"platform"`
	SourceURL    string    `json:"source_url"`
	CertsURL     string    `json:"certs_url,omitempty"`
	OTP          string    `json:"otp"`
	OTPExpiresAt time.Time `json:"otp_expires_at"`
}

// PollResponse is the worker poll result. AccessToken is present only when a
// job was dispatched: the rotation commits in the claim transaction.
type PollResponse struct {
	Job         *JobDescriptor `json:"job"`
	AccessToken string         `json:"access_token,omitempty"`
}

// ResultResponse confirms a worker result upload.
type ResultResponse struct {
	Success bool `json:"success"`
}

// VMAuthResponse is the OTP exchange result.
type VMAuthResponse struct {
	VMToken   string    `json:"vm_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CertsSecureResponse is the signing bundle delivered to an ephemeral VM.
// keychainPassword is plain text; the VM uses it verbatim.
type CertsSecureResponse struct {
	P12                  string   `json:"p12"` // base64
	P12Password          string   `json:"p12Password"`
	KeychainPassword     string   `json:"keychainPassword"`
	ProvisioningProfiles []string `json:"provisioningProfiles"` // base64 each
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TelemetryResponse acknowledges a telemetry event.
type TelemetryResponse struct {
	Status string `json:"status"`
}

// LogIngestResponse acknowledges streamed log lines.
type LogIngestResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count,omitempty"`
}

// StatsResponse is the public dashboard snapshot.
type StatsResponse struct {
	NodesOnline  int64 `json:"nodesOnline"`
	BuildsQueued int64 `json:"buildsQueued"`
	ActiveBuilds int64 `json:"activeBuilds"`
	BuildsToday  int64 `json:"buildsToday"`
	TotalBuilds  int64 `json:"totalBuilds"`
}

// QueueSnapshot is the queue section of the health response.
type QueueSnapshot struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
}

// HealthResponse is the health probe body.
type HealthResponse struct {
	Status string        `json:"status"`
	Queue  QueueSnapshot `json:"queue"`
}
