package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyWorkerID   = "worker_id"
	KeyPlatform   = "platform"
	KeyStatus     = "status"
	KeyNamespace  = "namespace"
	KeyBlobPath   = "blob_path"
	KeyDurationMS = "duration_ms"
	KeyMethod     = "method"
	KeyPath       = "path"
	KeyHTTPStatus = "http_status"
	KeyRemoteAddr = "remote_addr"
	KeyUserAgent  = "user_agent"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr      { return slog.String(KeyBuildID, id) }
func WorkerID(id string) slog.Attr     { return slog.String(KeyWorkerID, id) }
func Platform(p string) slog.Attr      { return slog.String(KeyPlatform, p) }
func Status(s string) slog.Attr        { return slog.String(KeyStatus, s) }
func Namespace(ns string) slog.Attr    { return slog.String(KeyNamespace, ns) }
func BlobPath(p string) slog.Attr      { return slog.String(KeyBlobPath, p) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr        { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func HTTPStatus(code int) slog.Attr    { return slog.Int(KeyHTTPStatus, code) }
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }
func UserAgent(ua string) slog.Attr    { return slog.String(KeyUserAgent, ua) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
