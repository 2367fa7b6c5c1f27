package store

import "time"

// Platform enumerates the build targets the controller schedules.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// BuildStatus enumerates the build lifecycle states.
type BuildStatus string

const (
	StatusPending   BuildStatus = "pending"
	StatusAssigned  BuildStatus = "assigned"
	StatusBuilding  BuildStatus = "building"
	StatusCompleted BuildStatus = "completed"
	StatusFailed    BuildStatus = "failed"
	StatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s BuildStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the build currently holds a worker.
func (s BuildStatus) Active() bool {
	return s == StatusAssigned || s == StatusBuilding
}

// WorkerStatus enumerates worker states.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBuilding WorkerStatus = "building"
	WorkerOffline  WorkerStatus = "offline"
)

// LogLevel enumerates build log levels.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// NormalizeLogLevel maps arbitrary input onto a known level, defaulting to info.
func NormalizeLogLevel(raw string) LogLevel {
	switch LogLevel(raw) {
	case LogWarn, LogError:
		return LogLevel(raw)
	default:
		return LogInfo
	}
}

// Build is one submission's entire lifecycle. Status is mutated exclusively
// by the lifecycle engine; rows are never deleted within the retention window.
type Build struct {
	ID       string
	Platform Platform
	Status   BuildStatus

	SourcePath string
	CertsPath  string // empty when the submission carried no certs
	ResultPath string // non-empty iff status is completed

	WorkerID string // non-empty iff status is assigned or building

	AccessToken      string // build token, held by the submitter
	VMToken          string
	VMTokenExpiresAt *time.Time
	OTP              string
	OTPConsumed      bool
	OTPExpiresAt     *time.Time

	SubmittedAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastHeartbeatAt *time.Time
	SweptAt         *time.Time

	ErrorMessage string
	RetryOf      string // parent build id when this build is a retry
}

// Worker is a registered long-lived agent on a host machine.
type Worker struct {
	ID           string
	Name         string
	DisplayName  string // PII-free public identifier
	Capabilities []string
	Status       WorkerStatus
	AccessToken  string
	Completed    int64
	Failed       int64
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// LogEntry is one append-only build log line.
type LogEntry struct {
	BuildID   string
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// CpuSnapshot is one telemetry sample for a build.
type CpuSnapshot struct {
	BuildID    string
	Timestamp  time.Time
	CpuPercent float64
	MemoryMB   float64
}

// Stats is the aggregate snapshot behind the public stats endpoint.
type Stats struct {
	NodesOnline  int64
	BuildsQueued int64
	ActiveBuilds int64
	BuildsToday  int64
	TotalBuilds  int64
}
