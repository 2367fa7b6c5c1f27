package httpserver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/dispatch"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/lifecycle"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/server/handlers"
	"github.com/flightdeckci/flightdeck/internal/store"
)

const testAdminKey = "test-admin-key"

func buildCertsZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	adapter := ferrors.NewHTTPErrorAdapter(logger)
	d := dispatch.New(st, nil, metrics.NoopRecorder{}, logger, 10*time.Minute)
	engine := lifecycle.New(st, blobs, d, nil, nil, logger, lifecycle.Limits{
		MaxSourceBytes: 1 << 20,
		MaxCertsBytes:  1 << 20,
		MaxResultBytes: 8 << 20,
	}, 30*time.Minute)

	h := handlers.New(engine, st, blobs, d, adapter, metrics.NoopRecorder{}, logger, testAdminKey)
	srv := New(h, adapter, logger, Options{Addr: "127.0.0.1:0"})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

type multipartSpec struct {
	fields map[string]string
	files  map[string][]byte
}

func multipartBody(t *testing.T, spec multipartSpec) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range spec.fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range spec.files {
		fw, err := mw.CreateFormFile(name, name+".zip")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
		}
	}
	return resp.StatusCode
}

func submitBuild(t *testing.T, ts *httptest.Server, platform string, source []byte, certs []byte) (id, accessToken string) {
	t.Helper()
	spec := multipartSpec{
		fields: map[string]string{"platform": platform},
		files:  map[string][]byte{"source": source},
	}
	if certs != nil {
		spec.files["certs"] = certs
	}
	body, ctype := multipartBody(t, spec)

	resp, err := http.Post(ts.URL+"/api/builds", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "pending", out.Status)
	require.NotEmpty(t, out.ID)
	require.NotEmpty(t, out.AccessToken)
	return out.ID, out.AccessToken
}

func registerWorker(t *testing.T, ts *httptest.Server, name string) (id, workerToken string) {
	t.Helper()
	var out struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		AccessToken string `json:"access_token"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/workers/register",
		map[string]string{handlers.HeaderAPIKey: testAdminKey},
		map[string]any{"name": name, "capabilities": []string{"ios", "android"}},
		&out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "registered", out.Status)
	return out.ID, out.AccessToken
}

type pollResult struct {
	Job *struct {
		ID           string    `json:"id"`
		Platform     string    `json:"platform"`
		SourceURL    string    `json:"source_url"`
		CertsURL     string    `json:"certs_url"`
		OTP          string    `json:"otp"`
		OTPExpiresAt time.Time `json:"otp_expires_at"`
	} `json:"job"`
	AccessToken string `json:"access_token"`
}

func pollWorker(t *testing.T, ts *httptest.Server, workerID, workerToken string) pollResult {
	t.Helper()
	var out pollResult
	code := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/workers/poll?worker_id=%s", ts.URL, workerID),
		map[string]string{handlers.HeaderWorkerToken: workerToken}, nil, &out)
	require.Equal(t, http.StatusOK, code)
	return out
}

func TestHappyIOSPath(t *testing.T) {
	ts, _ := newTestServer(t)

	source := bytes.Repeat([]byte("src!"), 50<<10/4) // ~50 KB
	buildID, buildToken := submitBuild(t, ts, "ios", source, nil)

	workerID, workerToken := registerWorker(t, ts, "mini-1.local")

	poll := pollWorker(t, ts, workerID, workerToken)
	require.NotNil(t, poll.Job)
	assert.Equal(t, buildID, poll.Job.ID)
	assert.Equal(t, "ios", poll.Job.Platform)
	require.NotEmpty(t, poll.Job.OTP)
	require.NotEmpty(t, poll.AccessToken)
	workerToken = poll.AccessToken // rotated

	// VM exchanges the OTP.
	var auth struct {
		VMToken   string    `json:"vm_token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": poll.Job.OTP}, &auth)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, auth.VMToken)

	// First heartbeat flips the build to building.
	var hb struct {
		Status string `json:"status"`
	}
	code = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/builds/%s/heartbeat?worker_id=%s", ts.URL, buildID, workerID),
		map[string]string{handlers.HeaderWorkerToken: workerToken}, map[string]any{}, &hb)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", hb.Status)

	var status struct {
		Status   string `json:"status"`
		WorkerID string `json:"worker_id"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+buildID,
		map[string]string{handlers.HeaderBuildToken: buildToken}, nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "building", status.Status)
	assert.Equal(t, workerID, status.WorkerID)

	// Worker downloads the source; bytes round-trip.
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/builds/%s/source?worker_id=%s", ts.URL, buildID, workerID), nil)
	require.NoError(t, err)
	req.Header.Set(handlers.HeaderWorkerToken, workerToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, source, got)

	// Worker uploads the result.
	artifact := bytes.Repeat([]byte{0xCD}, 4<<20)
	body, ctype := multipartBody(t, multipartSpec{
		fields: map[string]string{
			"build_id":  buildID,
			"worker_id": workerID,
			"success":   "true",
		},
		files: map[string][]byte{"result": artifact},
	})
	req, err = http.NewRequest(http.MethodPost, ts.URL+"/api/workers/result", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(handlers.HeaderWorkerToken, workerToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Status is completed; artifact downloads byte-identical.
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+buildID,
		map[string]string{handlers.HeaderBuildToken: buildToken}, nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", status.Status)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/builds/"+buildID+"/download", nil)
	require.NoError(t, err)
	req.Header.Set(handlers.HeaderBuildToken, buildToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	downloaded, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, artifact, downloaded)
}

func TestFIFOUnderContention(t *testing.T) {
	ts, _ := newTestServer(t)

	b1, _ := submitBuild(t, ts, "ios", []byte("first"), nil)
	b2, _ := submitBuild(t, ts, "ios", []byte("second"), nil)
	b3, _ := submitBuild(t, ts, "ios", []byte("third"), nil)

	wa, ta := registerWorker(t, ts, "worker-a")
	wb, tb := registerWorker(t, ts, "worker-b")
	wc, tc := registerWorker(t, ts, "worker-c")
	wd, td := registerWorker(t, ts, "worker-d")

	p1 := pollWorker(t, ts, wa, ta)
	p2 := pollWorker(t, ts, wb, tb)
	require.NotNil(t, p1.Job)
	require.NotNil(t, p2.Job)
	assert.Equal(t, b1, p1.Job.ID)
	assert.Equal(t, b2, p2.Job.ID)

	p3 := pollWorker(t, ts, wc, tc)
	require.NotNil(t, p3.Job)
	assert.Equal(t, b3, p3.Job.ID)

	p4 := pollWorker(t, ts, wd, td)
	assert.Nil(t, p4.Job)
}

func TestConcurrentPollsSingleWinner(t *testing.T) {
	ts, _ := newTestServer(t)

	buildID, _ := submitBuild(t, ts, "android", []byte("only"), nil)

	const n = 10
	type worker struct{ id, tok string }
	workers := make([]worker, n)
	for i := range workers {
		id, tok := registerWorker(t, ts, fmt.Sprintf("w-%d", i))
		workers[i] = worker{id, tok}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			p := pollWorker(t, ts, w.id, w.tok)
			if p.Job != nil {
				mu.Lock()
				winners = append(winners, p.Job.ID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, buildID, winners[0])
}

func TestOTPSingleUse(t *testing.T) {
	ts, _ := newTestServer(t)

	submitBuild(t, ts, "ios", []byte("src"), nil)
	wid, wtok := registerWorker(t, ts, "w1")
	poll := pollWorker(t, ts, wid, wtok)
	require.NotNil(t, poll.Job)

	var auth struct {
		VMToken string `json:"vm_token"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": poll.Job.OTP}, &auth)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, auth.VMToken)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": poll.Job.OTP}, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": "bogus"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestUploadTooLarge(t *testing.T) {
	ts, _ := newTestServer(t)

	big := bytes.Repeat([]byte("x"), (1<<20)+1)
	body, ctype := multipartBody(t, multipartSpec{
		fields: map[string]string{"platform": "ios"},
		files:  map[string][]byte{"source": big},
	})
	resp, err := http.Post(ts.URL+"/api/builds", ctype, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// Nothing was recorded.
	var list struct {
		Total int64 `json:"total"`
	}
	code := doJSON(t, http.MethodGet, ts.URL+"/api/builds",
		map[string]string{handlers.HeaderAPIKey: testAdminKey}, nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, list.Total)
}

func TestMultipartBodyCapped(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	adapter := ferrors.NewHTTPErrorAdapter(logger)
	d := dispatch.New(st, nil, metrics.NoopRecorder{}, logger, 10*time.Minute)
	engine := lifecycle.New(st, blobs, d, nil, nil, logger, lifecycle.Limits{
		MaxSourceBytes: 1 << 10,
		MaxCertsBytes:  1 << 10,
		MaxResultBytes: 1 << 10,
	}, 30*time.Minute)
	h := handlers.New(engine, st, blobs, d, adapter, metrics.NoopRecorder{}, logger, testAdminKey)
	mux := New(h, adapter, logger, Options{Addr: "127.0.0.1:0"}).Handler()

	// A body far past source+certs+overhead is refused before the multipart
	// parser spools anything to disk.
	body, ctype := multipartBody(t, multipartSpec{
		fields: map[string]string{"platform": "ios"},
		files:  map[string][]byte{"source": bytes.Repeat([]byte("x"), 3<<20)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/builds", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	_, total, err := st.ListBuilds(ctx, nil, store.BuildFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	// Result uploads are capped the same way.
	now := time.Now()
	require.NoError(t, st.InsertWorker(ctx, nil, &store.Worker{
		ID: "w1", Name: "mac-w1", DisplayName: "builder-w1",
		Status: store.WorkerBuilding, AccessToken: "wt",
		FirstSeenAt: now, LastSeenAt: now,
	}))
	require.NoError(t, st.InsertBuild(ctx, nil, &store.Build{
		ID: "b1", Platform: store.PlatformIOS, Status: store.StatusBuilding,
		SourcePath: "source/b1.zip", WorkerID: "w1",
		AccessToken: "bt", SubmittedAt: now,
	}))

	body, ctype = multipartBody(t, multipartSpec{
		fields: map[string]string{"build_id": "b1", "worker_id": "w1", "success": "true"},
		files:  map[string][]byte{"result": bytes.Repeat([]byte("y"), 3<<20)},
	})
	req = httptest.NewRequest(http.MethodPost, "/api/workers/result", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(handlers.HeaderWorkerToken, "wt")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	got, err := st.GetBuild(ctx, nil, "b1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBuilding, got.Status)
}

func TestTokenIsolation(t *testing.T) {
	ts, _ := newTestServer(t)

	b1, t1 := submitBuild(t, ts, "ios", []byte("one"), nil)
	b2, _ := submitBuild(t, ts, "ios", []byte("two"), nil)

	// T1 cannot read B2.
	code := doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+b2+"/logs",
		map[string]string{handlers.HeaderBuildToken: t1}, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Missing credentials are unauthorized, not forbidden.
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+b1, nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// A worker cannot heartbeat a build assigned to another worker.
	w1, tok1 := registerWorker(t, ts, "w1")
	w2, tok2 := registerWorker(t, ts, "w2")
	p1 := pollWorker(t, ts, w1, tok1)
	require.NotNil(t, p1.Job)
	require.Equal(t, b1, p1.Job.ID)

	code = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/builds/%s/heartbeat?worker_id=%s", ts.URL, b1, w2),
		map[string]string{handlers.HeaderWorkerToken: tok2}, map[string]any{}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Unknown build is 404 for the admin.
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/no-such-build",
		map[string]string{handlers.HeaderAPIKey: testAdminKey}, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	b1, t1 := submitBuild(t, ts, "android", []byte("src"), nil)

	var out struct {
		Status string `json:"status"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/builds/"+b1+"/cancel",
		map[string]string{handlers.HeaderBuildToken: t1}, nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", out.Status)

	// Second cancel is a no-op.
	code = doJSON(t, http.MethodPost, ts.URL+"/api/builds/"+b1+"/cancel",
		map[string]string{handlers.HeaderBuildToken: t1}, nil, &out)
	assert.Equal(t, http.StatusOK, code)
}

func TestCertsSecureEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	certs := buildCertsZip(t, map[string][]byte{
		"team.p12":             {0x01, 0x02, 0x03},
		"password.txt":         []byte("p12pw"),
		"dev.mobileprovision":  []byte("dev"),
		"dist.mobileprovision": []byte("dist"),
	})
	buildID, _ := submitBuild(t, ts, "ios", []byte("src"), certs)

	wid, wtok := registerWorker(t, ts, "w1")
	poll := pollWorker(t, ts, wid, wtok)
	require.NotNil(t, poll.Job)
	assert.NotEmpty(t, poll.Job.CertsURL)

	var auth struct {
		VMToken string `json:"vm_token"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": poll.Job.OTP}, &auth)
	require.Equal(t, http.StatusOK, code)

	var bundle struct {
		P12                  string   `json:"p12"`
		P12Password          string   `json:"p12Password"`
		KeychainPassword     string   `json:"keychainPassword"`
		ProvisioningProfiles []string `json:"provisioningProfiles"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/api/vm/builds/"+buildID+"/certs-secure",
		map[string]string{handlers.HeaderVMToken: auth.VMToken}, nil, &bundle)
	require.Equal(t, http.StatusOK, code)

	p12, err := base64.StdEncoding.DecodeString(bundle.P12)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, p12)
	assert.Equal(t, "p12pw", bundle.P12Password)
	assert.Len(t, bundle.KeychainPassword, 32)
	assert.Len(t, bundle.ProvisioningProfiles, 2)

	// Fresh keychain password per call.
	var bundle2 struct {
		KeychainPassword string `json:"keychainPassword"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/api/vm/builds/"+buildID+"/certs-secure",
		map[string]string{handlers.HeaderVMToken: auth.VMToken}, nil, &bundle2)
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, bundle.KeychainPassword, bundle2.KeychainPassword)

	// Without a VM token the bundle is off limits.
	code = doJSON(t, http.MethodGet, ts.URL+"/api/vm/builds/"+buildID+"/certs-secure", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestVMLogIngestionAndTelemetry(t *testing.T) {
	ts, _ := newTestServer(t)

	buildID, buildToken := submitBuild(t, ts, "ios", []byte("src"), nil)
	wid, wtok := registerWorker(t, ts, "w1")
	poll := pollWorker(t, ts, wid, wtok)
	require.NotNil(t, poll.Job)

	var auth struct {
		VMToken string `json:"vm_token"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/vm/authenticate", nil,
		map[string]string{"otp": poll.Job.OTP}, &auth)
	require.Equal(t, http.StatusOK, code)
	vmHdr := map[string]string{handlers.HeaderVMToken: auth.VMToken}

	// Batch log ingestion preserves order.
	var ingest struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/logs", vmHdr,
		map[string]any{"logs": []map[string]any{
			{"level": "info", "message": "Unpacking sources"},
			{"level": "warn", "message": "Provisioning profile expires soon"},
			{"level": "info", "message": "xcodebuild started"},
		}}, &ingest)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, ingest.Success)
	assert.Equal(t, 3, ingest.Count)

	// Telemetry: cpu snapshot and heartbeat variants.
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "cpu_snapshot", "data": map[string]any{"cpu_percent": 93.5, "memory_mb": 4096}}, nil)
	require.Equal(t, http.StatusOK, code)
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "heartbeat"}, nil)
	require.Equal(t, http.StatusOK, code)
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "future_thing", "data": map[string]any{"x": 1}}, nil)
	require.Equal(t, http.StatusOK, code)

	// Snapshot values outside the stored ranges are rejected.
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "cpu_snapshot", "data": map[string]any{"cpu_percent": 1500.0, "memory_mb": 4096}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "cpu_snapshot", "data": map[string]any{"cpu_percent": 50, "memory_mb": -1}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	// The upper bounds themselves are storable.
	code = doJSON(t, http.MethodPost, ts.URL+"/api/vm/builds/"+buildID+"/telemetry", vmHdr,
		map[string]any{"type": "cpu_snapshot", "data": map[string]any{"cpu_percent": 1000, "memory_mb": 1000000}}, nil)
	require.Equal(t, http.StatusOK, code)

	// The heartbeat telemetry flipped the build to building.
	var status struct {
		Status string `json:"status"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+buildID,
		map[string]string{handlers.HeaderBuildToken: buildToken}, nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "building", status.Status)

	// Logs visible to the submitter, in order.
	var logs struct {
		Logs []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"logs"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/api/builds/"+buildID+"/logs",
		map[string]string{handlers.HeaderBuildToken: buildToken}, nil, &logs)
	require.Equal(t, http.StatusOK, code)

	var messages []string
	for _, l := range logs.Logs {
		messages = append(messages, l.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Less(t, strings.Index(joined, "Unpacking sources"), strings.Index(joined, "xcodebuild started"))
}

func TestStatsAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	submitBuild(t, ts, "ios", []byte("a"), nil)
	submitBuild(t, ts, "android", []byte("b"), nil)
	registerWorker(t, ts, "w1")

	var stats struct {
		NodesOnline  int64 `json:"nodesOnline"`
		BuildsQueued int64 `json:"buildsQueued"`
		TotalBuilds  int64 `json:"totalBuilds"`
	}
	code := doJSON(t, http.MethodGet, ts.URL+"/api/stats", nil, nil, &stats)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, stats.NodesOnline)
	assert.EqualValues(t, 2, stats.BuildsQueued)
	assert.EqualValues(t, 2, stats.TotalBuilds)

	var health struct {
		Status string `json:"status"`
		Queue  struct {
			Pending int64 `json:"pending"`
		} `json:"queue"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil, &health)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health.Status)
	assert.EqualValues(t, 2, health.Queue.Pending)
}

func TestRetryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	b1, t1 := submitBuild(t, ts, "ios", []byte("src"), nil)
	wid, wtok := registerWorker(t, ts, "w1")
	poll := pollWorker(t, ts, wid, wtok)
	require.NotNil(t, poll.Job)
	wtok = poll.AccessToken

	// Fail via result upload.
	body, ctype := multipartBody(t, multipartSpec{
		fields: map[string]string{
			"build_id":      b1,
			"worker_id":     wid,
			"success":       "false",
			"error_message": "xcodebuild exited 65",
		},
	})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/workers/result", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(handlers.HeaderWorkerToken, wtok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retry struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		AccessToken     string `json:"access_token"`
		OriginalBuildID string `json:"original_build_id"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/api/builds/"+b1+"/retry",
		map[string]string{handlers.HeaderBuildToken: t1}, nil, &retry)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", retry.Status)
	assert.Equal(t, b1, retry.OriginalBuildID)
	assert.NotEqual(t, t1, retry.AccessToken)
	assert.NotEqual(t, b1, retry.ID)
}

func TestServerStartShutdown(t *testing.T) {
	_, st := newTestServer(t)
	_ = st

	// Separate server instance bound to an ephemeral port.
	stX, err := store.Open(":memory:")
	require.NoError(t, err)
	defer stX.Close()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	adapter := ferrors.NewHTTPErrorAdapter(logger)
	d := dispatch.New(stX, nil, metrics.NoopRecorder{}, logger, time.Minute)
	engine := lifecycle.New(stX, blobs, d, nil, nil, logger, lifecycle.Limits{}, time.Minute)
	h := handlers.New(engine, stX, blobs, d, adapter, metrics.NoopRecorder{}, logger, "k")

	srv := New(h, adapter, logger, Options{Addr: "127.0.0.1:0"})
	errCh := make(chan error, 1)
	require.NoError(t, srv.Start(errCh))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		t.Fatalf("unexpected serve error: %v", err)
	default:
	}
}
