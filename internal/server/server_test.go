package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"securebox/internal/audit"
	"securebox/internal/blob"
	"securebox/internal/keys"
	"securebox/internal/ledger"
	"securebox/internal/metrics"
	"securebox/internal/service"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock *fakeClock
	ts    *httptest.Server
}

func newFixture(t *testing.T, maxUpload int64, extraChecks ...HealthCheck) *fixture {
	t.Helper()
	clock := newFakeClock()
	km, err := keys.NewManager("test-master-key")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := service.New(service.Options{
		Keys:       km,
		Blobs:      blob.NewMemoryStore(),
		Records:    ledger.NewMemoryStore(clock.Now),
		Audit:      audit.NewMemoryLog(),
		Metrics:    m,
		Log:        zerolog.Nop(),
		ChunkSize:  4096,
		DefaultTTL: time.Hour,
		MaxTTL:     24 * time.Hour,
		Now:        clock.Now,
	})

	srv := New(Options{
		Addr:           ":0",
		MaxUploadBytes: maxUpload,
		Service:        svc,
		Health:         extraChecks,
		Metrics:        m,
		Gatherer:       reg,
		Log:            zerolog.Nop(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{clock: clock, ts: ts}
}

// multipartBody builds an upload body. Fields go in map order is not
// deterministic, so they are passed as ordered pairs.
func multipartBody(t *testing.T, fields [][2]string, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, fields [][2]string, filename string, payload []byte) uploadResp {
	t.Helper()
	body, ct := multipartBody(t, fields, filename, payload)
	resp, err := http.Post(f.ts.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, b)
	}
	var out uploadResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, 0)
	payload := []byte(strings.Repeat("secret payload ", 2000))
	up := f.upload(t, nil, "notes.txt", payload)

	if up.Token == "" || up.FileID == "" {
		t.Fatalf("incomplete upload response: %+v", up)
	}

	resp, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("GET /download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "notes.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes differ from upload")
	}

	// One-time only: the second attempt is refused.
	resp2, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusGone {
		t.Fatalf("second download status = %d, want 410", resp2.StatusCode)
	}
}

func TestDownloadUnknownToken(t *testing.T) {
	f := newFixture(t, 0)
	resp, err := http.Get(f.ts.URL + "/download/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDownloadAfterExpiry(t *testing.T) {
	f := newFixture(t, 0)
	up := f.upload(t, [][2]string{{"ttl", "1m"}}, "f.bin", []byte("data"))

	f.clock.Advance(2 * time.Minute)
	resp, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
	var e errorBody
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if !strings.Contains(e.Error, "expired") {
		t.Fatalf("error body = %q, want expiry message", e.Error)
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, 0)

	// No file field at all.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("ttl", "1h")
	_ = mw.Close()
	resp, err := http.Post(f.ts.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file: status = %d, want 400", resp.StatusCode)
	}

	// Unparseable ttl.
	body, ct := multipartBody(t, [][2]string{{"ttl", "soon"}}, "f.bin", []byte("x"))
	resp, err = http.Post(f.ts.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad ttl: status = %d, want 400", resp.StatusCode)
	}

	// Garbage recipient key.
	body, ct = multipartBody(t, [][2]string{{"recipient_key", "not a key"}}, "f.bin", []byte("x"))
	resp, err = http.Post(f.ts.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad key: status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, 1024)
	body, ct := multipartBody(t, nil, "big.bin", bytes.Repeat([]byte("a"), 10_000))
	resp, err := http.Post(f.ts.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	up := f.upload(t, nil, "report.pdf", []byte("pdf bytes"))

	var st statusResp
	getStatus := func() statusResp {
		t.Helper()
		resp, err := http.Get(f.ts.URL + "/status/" + up.Token)
		if err != nil {
			t.Fatalf("GET /status: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status endpoint = %d", resp.StatusCode)
		}
		var out statusResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	st = getStatus()
	if st.State != "active" || st.DownloadCount != 0 || st.Filename != "report.pdf" {
		t.Fatalf("fresh status = %+v", st)
	}

	resp, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	st = getStatus()
	if st.State != "consumed" || st.DownloadCount != 1 {
		t.Fatalf("post-download status = %+v", st)
	}

	// Status reads never consume the token state further.
	if again := getStatus(); again.DownloadCount != 1 {
		t.Fatalf("status mutated the record: %+v", again)
	}
}

func TestHybridDownloadOverHTTP(t *testing.T) {
	f := newFixture(t, 0)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	payload := []byte("for the recipient only")
	up := f.upload(t, [][2]string{{"recipient_key", string(pubPEM)}}, "secret.txt", payload)

	// Without the private key the redemption is refused and the token
	// survives.
	resp, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", resp.StatusCode)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	form := url.Values{"private_key": {string(privPEM)}}
	resp, err = http.PostForm(f.ts.URL+"/download/"+up.Token, form)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("with key: status = %d, body %s", resp.StatusCode, b)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, payload) {
		t.Fatal("hybrid download differs from upload")
	}
}

func TestPasswordDownloadOverHTTP(t *testing.T) {
	f := newFixture(t, 0)

	payload := []byte("shared secret contents")
	up := f.upload(t, [][2]string{{"password", "open sesame"}}, "secret.txt", payload)

	// A bare GET carries no password, so the redemption is refused and the
	// token survives.
	resp, err := http.Get(f.ts.URL + "/download/" + up.Token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no password: status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.PostForm(f.ts.URL+"/download/"+up.Token, url.Values{"password": {"guessing"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.PostForm(f.ts.URL+"/download/"+up.Token, url.Values{"password": {"open sesame"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("with password: status = %d, body %s", resp.StatusCode, b)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, payload) {
		t.Fatal("password download differs from upload")
	}
}

func TestUploadRejectsBothProtections(t *testing.T) {
	f := newFixture(t, 0)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	body, ct := multipartBody(t, [][2]string{
		{"recipient_key", string(pubPEM)},
		{"password", "hunter2"},
	}, "f.bin", []byte("x"))
	resp, err := http.Post(f.ts.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("both protections: status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	var dbDown bool
	check := HealthCheck{
		Name: "database",
		Check: func(ctx context.Context) error {
			if dbDown {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	f := newFixture(t, 0, check)

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/live"); code != http.StatusOK {
		t.Fatalf("/live = %d", code)
	}
	if code := get("/health"); code != http.StatusOK {
		t.Fatalf("/health = %d", code)
	}
	if code := get("/ready"); code != http.StatusOK {
		t.Fatalf("/ready = %d", code)
	}

	dbDown = true
	if code := get("/health"); code != http.StatusServiceUnavailable {
		t.Fatalf("/health with dead db = %d, want 503", code)
	}
	if code := get("/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("/ready with dead db = %d, want 503", code)
	}
	if code := get("/live"); code != http.StatusOK {
		t.Fatalf("/live must not depend on backends, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	f.upload(t, nil, "f.bin", []byte("x"))

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "securebox_uploads_total 1") {
		t.Fatal("upload counter missing from exposition")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t, 0)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/live", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "caller-supplied-id" {
		t.Fatalf("X-Request-Id = %q, want caller's id echoed", got)
	}

	resp, err = http.Get(f.ts.URL + "/live")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); len(got) != 32 {
		t.Fatalf("generated X-Request-Id = %q, want 32 hex chars", got)
	}
}
