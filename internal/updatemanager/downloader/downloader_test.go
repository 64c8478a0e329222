package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2s"

	"github.com/kanaime/updater/internal/updatemanager/types"
	"github.com/kanaime/updater/util"
)

const chunk = 1024

type packageServer struct {
	*httptest.Server
	payload []byte

	mu     sync.Mutex
	ranges []string
}

func newPackageServer(t *testing.T, payload []byte) *packageServer {
	t.Helper()
	ps := &packageServer{payload: payload}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.ranges = append(ps.ranges, r.Header.Get("Range"))
		ps.mu.Unlock()
		http.ServeContent(w, r, "kanaime.pkg", time.Time{}, bytes.NewReader(ps.payload))
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *packageServer) lastRange() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ranges[len(ps.ranges)-1]
}

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func descriptorFor(url string, payload []byte) types.Descriptor {
	sum := sha256.Sum256(payload)
	return types.Descriptor{
		Version:  "2.31.0",
		URL:      url + "/packages/kanaime-2.31.0.pkg",
		Size:     int64(len(payload)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}
}

// collect ranges over the fetch and stops after stopAt bytes when stopAt > 0
func collect(d *Downloader, ctx context.Context, desc types.Descriptor, resumeFrom, stopAt int64) ([]types.Progress, error) {
	var steps []types.Progress
	for p, err := range d.Fetch(ctx, desc, resumeFrom) {
		if err != nil {
			return steps, err
		}
		steps = append(steps, p)
		if stopAt > 0 && p.Received >= stopAt {
			break
		}
	}
	return steps, nil
}

func TestDownloader_FullDownload(t *testing.T) {
	payload := randomPayload(t, 10*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk))

	steps, err := collect(d, context.Background(), descriptorFor(srv.URL, payload), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	assert.Equal(t, int64(0), steps[0].Received)
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i].Received, steps[i-1].Received)
		assert.LessOrEqual(t, steps[i].Received, steps[i].Total)
	}

	last := steps[len(steps)-1]
	require.True(t, last.Done)
	assert.Equal(t, int64(len(payload)), last.Received)
	assert.Equal(t, filepath.Join(d.Dir(), "kanaime-2.31.0.pkg"), last.Location)

	data, err := os.ReadFile(last.Location)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, last.Location+partSuffix)
	assert.NoFileExists(t, last.Location+metaSuffix)
}

func TestDownloader_Blake2sChecksum(t *testing.T) {
	payload := randomPayload(t, 3*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk))

	desc := descriptorFor(srv.URL, payload)
	sum := blake2s.Sum256(payload)
	desc.Checksum = "blake2s256:" + hex.EncodeToString(sum[:])

	steps, err := collect(d, context.Background(), desc, 0, 0)
	require.NoError(t, err)
	assert.True(t, steps[len(steps)-1].Done)
}

func TestDownloader_ResumeFromOffset(t *testing.T) {
	payload := randomPayload(t, 10*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk))
	desc := descriptorFor(srv.URL, payload)

	steps, err := collect(d, context.Background(), desc, 0, 3*chunk)
	require.NoError(t, err)
	offset := steps[len(steps)-1].Received
	require.Equal(t, int64(3*chunk), offset)

	steps, err = collect(d, context.Background(), desc, offset, 0)
	require.NoError(t, err)
	assert.Equal(t, offset, steps[0].Received, "resume must not restart from zero")
	assert.Equal(t, "bytes=3072-", srv.lastRange())

	last := steps[len(steps)-1]
	require.True(t, last.Done)
	data, err := os.ReadFile(last.Location)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloader_ResumeRestartsWhenPartialUnusable(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{
			name: "partial artifact missing",
			corrupt: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "kanaime-2.31.0.pkg"+partSuffix)))
			},
		},
		{
			name: "partial artifact truncated",
			corrupt: func(t *testing.T, dir string) {
				require.NoError(t, os.Truncate(filepath.Join(dir, "kanaime-2.31.0.pkg"+partSuffix), chunk))
			},
		},
		{
			name: "prefix bytes flipped",
			corrupt: func(t *testing.T, dir string) {
				part := filepath.Join(dir, "kanaime-2.31.0.pkg"+partSuffix)
				data, err := os.ReadFile(part)
				require.NoError(t, err)
				require.Len(t, data, 3*chunk)
				data[10] ^= 0xff
				require.NoError(t, os.WriteFile(part, data, 0o644))
			},
		},
		{
			name: "metadata missing",
			corrupt: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "kanaime-2.31.0.pkg"+metaSuffix)))
			},
		},
		{
			name: "metadata of another package",
			corrupt: func(t *testing.T, dir string) {
				other := partialMeta{URL: "https://example.com/other.pkg", Version: "1.0.0"}
				bs := []byte(`{"URL":"` + other.URL + `","Version":"1.0.0"}`)
				require.NoError(t, os.WriteFile(filepath.Join(dir, "kanaime-2.31.0.pkg"+metaSuffix), bs, 0o600))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := randomPayload(t, 6*chunk)
			srv := newPackageServer(t, payload)
			dir := t.TempDir()
			d := New(dir, WithHTTPClient(srv.Client()), WithChunkSize(chunk))
			desc := descriptorFor(srv.URL, payload)

			_, err := collect(d, context.Background(), desc, 0, 3*chunk)
			require.NoError(t, err)

			tt.corrupt(t, dir)

			steps, err := collect(d, context.Background(), desc, 3*chunk, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(0), steps[0].Received)
			assert.Equal(t, "", srv.lastRange())

			last := steps[len(steps)-1]
			require.True(t, last.Done)
			data, err := os.ReadFile(last.Location)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		})
	}
}

func TestDownloader_ResumeFromRecordedPrefix(t *testing.T) {
	payload := randomPayload(t, 10*chunk)
	srv := newPackageServer(t, payload)
	dir := t.TempDir()
	d := New(dir, WithHTTPClient(srv.Client()), WithChunkSize(chunk))
	desc := descriptorFor(srv.URL, payload)

	_, err := collect(d, context.Background(), desc, 0, 3*chunk)
	require.NoError(t, err)

	var meta partialMeta
	_, err = util.ReadJson(filepath.Join(dir, "kanaime-2.31.0.pkg"+metaSuffix), &meta)
	require.NoError(t, err)
	assert.Equal(t, int64(3*chunk), meta.Verified)
	sum := sha256.Sum256(payload[:3*chunk])
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.PrefixSum)

	// the caller knows of more bytes than were recorded
	steps, err := collect(d, context.Background(), desc, 5*chunk, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3*chunk), steps[0].Received)
	assert.Equal(t, "bytes=3072-", srv.lastRange())

	last := steps[len(steps)-1]
	require.True(t, last.Done)
	data, err := os.ReadFile(last.Location)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloader_ServerIgnoresRange(t *testing.T) {
	payload := randomPayload(t, 4*chunk)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk))
	desc := descriptorFor(srv.URL, payload)

	_, err := collect(d, context.Background(), desc, 0, 2*chunk)
	require.NoError(t, err)

	steps, err := collect(d, context.Background(), desc, 2*chunk, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunk), steps[0].Received)
	assert.Equal(t, int64(0), steps[1].Received, "full response must reset the transfer")
	assert.True(t, steps[len(steps)-1].Done)
}

func TestDownloader_IntegrityFailure(t *testing.T) {
	payload := randomPayload(t, 2*chunk)
	srv := newPackageServer(t, payload)
	dir := t.TempDir()
	d := New(dir, WithHTTPClient(srv.Client()), WithChunkSize(chunk))

	desc := descriptorFor(srv.URL, payload)
	desc.Checksum = "sha256:" + hex.EncodeToString(make([]byte, 32))

	_, err := collect(d, context.Background(), desc, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIntegrity)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial artifact must be discarded")
}

func TestDownloader_MoreDataThanAnnounced(t *testing.T) {
	payload := randomPayload(t, 3*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk))

	desc := descriptorFor(srv.URL, payload)
	desc.Size = chunk

	_, err := collect(d, context.Background(), desc, 0, 0)
	assert.ErrorIs(t, err, types.ErrIntegrity)
}

func TestDownloader_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d := New(t.TempDir(), WithHTTPClient(srv.Client()))
	_, err := collect(d, context.Background(), descriptorFor(srv.URL, []byte("x")), 0, 0)
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestDownloader_Stall(t *testing.T) {
	payload := randomPayload(t, 4*chunk)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload[:chunk])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk), WithStallTimeout(100*time.Millisecond))
	steps, err := collect(d, context.Background(), descriptorFor(srv.URL, payload), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, int64(chunk), steps[len(steps)-1].Received)
}

func TestDownloader_CancelKeepsPartial(t *testing.T) {
	payload := randomPayload(t, 8*chunk)
	srv := newPackageServer(t, payload)
	dir := t.TempDir()
	d := New(dir, WithHTTPClient(srv.Client()), WithChunkSize(chunk))
	desc := descriptorFor(srv.URL, payload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var received int64
	var fetchErr error
	for p, err := range d.Fetch(ctx, desc, 0) {
		if err != nil {
			fetchErr = err
			break
		}
		received = p.Received
		if p.Received == 2*chunk {
			cancel()
		}
	}

	assert.ErrorIs(t, fetchErr, context.Canceled)
	assert.Equal(t, int64(2*chunk), received)
	assert.FileExists(t, filepath.Join(dir, "kanaime-2.31.0.pkg"+partSuffix))
	assert.FileExists(t, filepath.Join(dir, "kanaime-2.31.0.pkg"+metaSuffix))
}

func TestDownloader_RateLimit(t *testing.T) {
	payload := randomPayload(t, 4*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk), WithRateLimit(1024*1024))
	require.NotNil(t, d.limiter)

	steps, err := collect(d, context.Background(), descriptorFor(srv.URL, payload), 0, 0)
	require.NoError(t, err)
	assert.True(t, steps[len(steps)-1].Done)
}

func TestDownloader_RateLimitBelowStallBudget(t *testing.T) {
	payload := randomPayload(t, 4*chunk)
	srv := newPackageServer(t, payload)
	// every chunk past the burst waits 500ms for the limiter, longer than the stall timeout
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk),
		WithRateLimit(2*chunk), WithStallTimeout(150*time.Millisecond))

	steps, err := collect(d, context.Background(), descriptorFor(srv.URL, payload), 0, 0)
	require.NoError(t, err)
	last := steps[len(steps)-1]
	assert.True(t, last.Done)
	assert.Equal(t, int64(len(payload)), last.Received)
}

func TestDownloader_RateLimitBeyondDeadline(t *testing.T) {
	payload := randomPayload(t, 8*chunk)
	srv := newPackageServer(t, payload)
	d := New(t.TempDir(), WithHTTPClient(srv.Client()), WithChunkSize(chunk), WithRateLimit(chunk))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := collect(d, ctx, descriptorFor(srv.URL, payload), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.ClassNetwork, types.Classify(err))
}

func TestDownloader_Cleanup(t *testing.T) {
	payload := randomPayload(t, 2*chunk)
	srv := newPackageServer(t, payload)
	dir := t.TempDir()
	d := New(dir, WithHTTPClient(srv.Client()), WithChunkSize(chunk))

	_, err := collect(d, context.Background(), descriptorFor(srv.URL, payload), 0, 0)
	require.NoError(t, err)

	require.NoError(t, d.Cleanup())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, New(filepath.Join(dir, "missing")).Cleanup())
}

func TestPackageName(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{url: "https://dl.example.com/releases/kanaime-2.31.0.msi?token=abc", expected: "kanaime-2.31.0.msi"},
		{url: "https://dl.example.com/releases/kanaime%202.31.0.pkg", expected: "kanaime_2.31.0.pkg"},
		{url: "https://dl.example.com/", expected: "kanaime-2.31.0.pkg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, packageName(types.Descriptor{URL: tt.url, Version: "2.31.0"}))
	}
}

func TestContentRange(t *testing.T) {
	start, ok := contentRangeStart("bytes 3072-10239/10240")
	assert.True(t, ok)
	assert.Equal(t, int64(3072), start)
	assert.Equal(t, int64(10240), contentRangeTotal("bytes 3072-10239/10240"))
	assert.Equal(t, int64(0), contentRangeTotal("bytes 0-1/*"))

	_, ok = contentRangeStart("items 1-2")
	assert.False(t, ok)
}
