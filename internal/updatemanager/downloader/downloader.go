package downloader

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kanaime/updater/internal/updatemanager/types"
	"github.com/kanaime/updater/util"
	"github.com/kanaime/updater/version"
)

const (
	DefaultChunkSize    = 256 * 1024
	DefaultStallTimeout = 30 * time.Second

	checkpointInterval = time.Second

	partSuffix = ".part"
	metaSuffix = ".part.json"
)

var (
	errStalled      = errors.New("no data received before the stall deadline")
	errStopIterator = errors.New("consumer stopped")

	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// partialMeta identifies which package a partial artifact belongs to and records the digest of
// its first Verified bytes
type partialMeta struct {
	URL      string
	Version  string
	Checksum string
	Size     int64

	Verified  int64  `json:",omitempty"`
	PrefixSum string `json:",omitempty"`
}

func metaFor(desc types.Descriptor) partialMeta {
	return partialMeta{URL: desc.URL, Version: desc.Version, Checksum: desc.Checksum, Size: desc.Size}
}

func (m partialMeta) sameArtifact(other partialMeta) bool {
	return m.URL == other.URL && m.Version == other.Version && m.Checksum == other.Checksum && m.Size == other.Size
}

type Option func(*Downloader)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

func WithChunkSize(size int) Option {
	return func(d *Downloader) {
		if size > 0 {
			d.chunkSize = size
		}
	}
}

// WithStallTimeout sets how long a transfer may go without receiving a chunk
func WithStallTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.stallTimeout = timeout
		}
	}
}

// WithRateLimit throttles the transfer to bytesPerSecond, 0 disables throttling
func WithRateLimit(bytesPerSecond int64) Option {
	return func(d *Downloader) {
		if bytesPerSecond > 0 {
			d.bytesPerSecond = bytesPerSecond
		}
	}
}

// Downloader fetches update packages into a directory with resumable, chunked transfers
type Downloader struct {
	dir            string
	client         *http.Client
	chunkSize      int
	stallTimeout   time.Duration
	bytesPerSecond int64
	limiter        *rate.Limiter
}

func New(dir string, opts ...Option) *Downloader {
	d := &Downloader{
		dir:          dir,
		client:       http.DefaultClient,
		chunkSize:    DefaultChunkSize,
		stallTimeout: DefaultStallTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bytesPerSecond > 0 {
		burst := d.chunkSize
		if int64(burst) < d.bytesPerSecond {
			burst = int(d.bytesPerSecond)
		}
		d.limiter = rate.NewLimiter(rate.Limit(d.bytesPerSecond), burst)
	}
	return d
}

func (d *Downloader) Dir() string {
	return d.dir
}

// Fetch returns a lazy sequence of progress steps for downloading desc. The first step reports
// the offset the transfer actually starts from: resumeFrom when the partial artifact could be
// re-validated, the last recorded offset when resumeFrom lies beyond it, 0 otherwise. The last step has Done set and carries the package location.
// A failure ends the sequence with a non-nil error. Ranging over the sequence again restarts
// the transfer from the recorded partial artifact.
func (d *Downloader) Fetch(ctx context.Context, desc types.Descriptor, resumeFrom int64) iter.Seq2[types.Progress, error] {
	return func(yield func(types.Progress, error) bool) {
		err := d.fetch(ctx, desc, resumeFrom, func(p types.Progress) bool {
			return yield(p, nil)
		})
		if err != nil && !errors.Is(err, errStopIterator) {
			yield(types.Progress{}, err)
		}
	}
}

// Cleanup removes every artifact from the download directory
func (d *Downloader) Cleanup() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("failed to remove %s: %w", entry.Name(), err))
		}
	}
	return util.FormatErrorOrNil(merr)
}

// transfer is the state of a single Fetch call
type transfer struct {
	desc     types.Descriptor
	checksum types.Checksum
	hasher   hash.Hash

	finalPath string
	partPath  string
	metaPath  string

	file     *os.File
	received int64
	total    int64

	checkpointAt time.Time
}

func (d *Downloader) fetch(ctx context.Context, desc types.Descriptor, resumeFrom int64, emit func(types.Progress) bool) error {
	checksum, err := types.ParseChecksum(desc.Checksum)
	if err != nil {
		return types.IntegrityError("descriptor checksum: %v", err)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	name := packageName(desc)
	t := &transfer{
		desc:      desc,
		checksum:  checksum,
		hasher:    checksum.NewHash(),
		finalPath: filepath.Join(d.dir, name),
		partPath:  filepath.Join(d.dir, name+partSuffix),
		metaPath:  filepath.Join(d.dir, name+metaSuffix),
		total:     desc.Size,
	}

	if err := d.openPartial(ctx, t, resumeFrom); err != nil {
		return err
	}
	defer func() {
		if t.file != nil {
			if cerr := t.file.Close(); cerr != nil {
				log.Warnf("error closing file %q: %v", t.partPath, cerr)
			}
		}
	}()

	if !emit(t.progress()) {
		return errStopIterator
	}

	if t.total == 0 || t.received < t.total {
		if err := d.transfer(ctx, t, emit); err != nil {
			return err
		}
	}

	return d.complete(t, emit)
}

// openPartial opens the partial artifact positioned at the offset the transfer resumes from.
// Resuming requires matching metadata and a prefix whose digest matches the recorded one.
// The prefix is re-hashed so the final digest covers the whole file.
func (d *Downloader) openPartial(ctx context.Context, t *transfer, resumeFrom int64) error {
	if resumeFrom <= 0 {
		return d.restartPartial(ctx, t)
	}

	if err := d.reopenPartial(ctx, t, resumeFrom); err != nil {
		log.Warnf("cannot resume download of %s at offset %d, restarting: %v", t.desc.Version, resumeFrom, err)
		return d.restartPartial(ctx, t)
	}

	log.Infof("resuming download of %s at offset %d", t.desc.Version, resumeFrom)
	return nil
}

func (d *Downloader) reopenPartial(ctx context.Context, t *transfer, offset int64) error {
	if t.total > 0 && offset > t.total {
		return fmt.Errorf("offset beyond package size %d", t.total)
	}

	var meta partialMeta
	if _, err := util.ReadJson(t.metaPath, &meta); err != nil {
		return fmt.Errorf("read partial metadata: %w", err)
	}
	if !meta.sameArtifact(metaFor(t.desc)) {
		return errors.New("partial artifact belongs to another package")
	}
	if meta.Verified <= 0 || meta.PrefixSum == "" {
		return errors.New("partial artifact has no recorded digest")
	}
	expected, err := hex.DecodeString(meta.PrefixSum)
	if err != nil {
		return fmt.Errorf("partial metadata digest: %w", err)
	}

	if meta.Verified < offset {
		log.Warnf("partial artifact of %s is recorded up to %d bytes, resuming there instead of %d", t.desc.Version, meta.Verified, offset)
		offset = meta.Verified
	}

	f, err := os.OpenFile(t.partPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	if err := revalidatePrefix(ctx, f, t.hasher, t.checksum.NewHash(), offset, meta.Verified, expected); err != nil {
		_ = f.Close()
		t.hasher.Reset()
		return err
	}

	t.file = f
	t.received = offset
	d.checkpoint(ctx, t)
	return nil
}

// revalidatePrefix feeds the first offset bytes of f into h and checks the first verified bytes
// against the recorded digest. f is left truncated and positioned at offset.
func revalidatePrefix(ctx context.Context, f *os.File, h, verifier hash.Hash, offset, verified int64, expected []byte) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < verified {
		return fmt.Errorf("partial artifact holds %d bytes, expected at least %d", info.Size(), verified)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := io.CopyN(io.MultiWriter(h, verifier), f, offset); err != nil {
		return fmt.Errorf("re-hash partial artifact: %w", err)
	}
	if _, err := io.CopyN(verifier, f, verified-offset); err != nil {
		return fmt.Errorf("re-hash partial artifact: %w", err)
	}
	if subtle.ConstantTimeCompare(verifier.Sum(nil), expected) != 1 {
		return errors.New("partial artifact does not match its recorded digest")
	}
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate partial artifact: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek partial artifact: %w", err)
	}
	return nil
}

// checkpoint records the digest of the bytes received so far in the metadata sidecar. Failures
// only cost the ability to resume.
func (d *Downloader) checkpoint(ctx context.Context, t *transfer) {
	if t.file == nil || t.received == 0 {
		return
	}

	meta := metaFor(t.desc)
	meta.Verified = t.received
	meta.PrefixSum = hex.EncodeToString(t.hasher.Sum(nil))
	if err := util.WriteJson(context.WithoutCancel(ctx), t.metaPath, meta); err != nil {
		log.Warnf("failed to record download checkpoint of %s: %v", t.desc.Version, err)
		return
	}
	t.checkpointAt = time.Now()
}

func (d *Downloader) restartPartial(ctx context.Context, t *transfer) error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.hasher.Reset()
	t.received = 0

	if err := util.WriteJson(ctx, t.metaPath, metaFor(t.desc)); err != nil {
		return fmt.Errorf("write partial metadata: %w", err)
	}

	f, err := os.OpenFile(t.partPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create destination file %q: %w", t.partPath, err)
	}
	t.file = f
	return nil
}

func (d *Downloader) transfer(ctx context.Context, t *transfer, emit func(types.Progress) bool) error {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stall := time.AfterFunc(d.stallTimeout, func() { cancel(errStalled) })
	defer stall.Stop()
	defer d.checkpoint(ctx, t)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.desc.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if t.received > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.received))
	}

	log.Debugf("starting download from %s at offset %d", t.desc.URL, t.received)
	resp, err := d.client.Do(req)
	if err != nil {
		return d.classify(ctx, reqCtx, "perform HTTP request", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != t.received {
			return types.NetworkError("ranged response", fmt.Errorf("server resumed at %d instead of %d", start, t.received))
		}
		if t.total == 0 {
			t.total = contentRangeTotal(resp.Header.Get("Content-Range"))
		}
	case http.StatusOK:
		if t.received > 0 {
			log.Warnf("server ignored range request, restarting download of %s from zero", t.desc.Version)
			if err := d.restartPartial(ctx, t); err != nil {
				return err
			}
			if !emit(t.progress()) {
				return errStopIterator
			}
		}
		if t.total == 0 && resp.ContentLength > 0 {
			t.total = resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// the partial artifact may already be complete, let the digest decide
		return nil
	default:
		return types.NetworkError("download", fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode))
	}

	return d.copyChunks(ctx, reqCtx, stall, t, resp.Body, emit)
}

func (d *Downloader) copyChunks(ctx, reqCtx context.Context, stall *time.Timer, t *transfer, body io.Reader, emit func(types.Progress) bool) error {
	buf := make([]byte, d.chunkSize)
	for {
		// cooperative cancellation point between chunks
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if t.total > 0 && t.received+int64(n) > t.total {
				d.discard(t)
				return types.IntegrityError("server sent more than the announced %d bytes", t.total)
			}
			if d.limiter != nil {
				if err := d.throttle(ctx, stall, n); err != nil {
					return err
				}
			}
			if _, err := t.file.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write to file: %w", err)
			}
			_, _ = t.hasher.Write(buf[:n])
			t.received += int64(n)
			stall.Reset(d.stallTimeout)
			if time.Since(t.checkpointAt) >= checkpointInterval {
				d.checkpoint(ctx, t)
			}

			if !emit(t.progress()) {
				return errStopIterator
			}
		}

		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			if t.total > 0 && t.received < t.total {
				return types.NetworkError("download", fmt.Errorf("connection closed after %d of %d bytes", t.received, t.total))
			}
			return nil
		default:
			return d.classify(ctx, reqCtx, "read response body", rerr)
		}
	}
}

// throttle waits until n bytes fit the rate limit. The stall deadline is suspended meanwhile,
// it only measures time spent waiting for the server.
func (d *Downloader) throttle(ctx context.Context, stall *time.Timer, n int) error {
	stall.Stop()
	defer stall.Reset(d.stallTimeout)

	err := d.limiter.WaitN(ctx, n)
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); !ok {
		return fmt.Errorf("rate limit: %w", err)
	}
	// the wait would outlast the deadline of ctx
	<-ctx.Done()
	return ctx.Err()
}

// classify separates caller cancellation from transport failures and stalls
func (d *Downloader) classify(ctx, reqCtx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cause := context.Cause(reqCtx); errors.Is(cause, errStalled) {
		return types.NetworkError(op, cause)
	}
	return types.NetworkError(op, err)
}

// complete verifies the digest and moves the partial artifact to its final name
func (d *Downloader) complete(t *transfer, emit func(types.Progress) bool) error {
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync partial artifact: %w", err)
	}

	if !t.checksum.Matches(t.hasher.Sum(nil)) {
		d.discard(t)
		return types.IntegrityError("%s digest mismatch for %s", t.checksum.Algorithm, path.Base(t.finalPath))
	}

	if err := t.file.Close(); err != nil {
		t.file = nil
		return fmt.Errorf("close partial artifact: %w", err)
	}
	t.file = nil

	if err := os.Rename(t.partPath, t.finalPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", t.partPath, t.finalPath, err)
	}
	if err := util.RemoveJson(t.metaPath); err != nil {
		log.Warnf("failed to remove partial metadata: %v", err)
	}

	log.Infof("successfully downloaded and verified %s", t.finalPath)
	if t.total == 0 {
		t.total = t.received
	}
	p := t.progress()
	p.Done = true
	p.Location = t.finalPath
	emit(p)
	return nil
}

// discard drops the partial artifact so the next attempt starts from zero
func (d *Downloader) discard(t *transfer) {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.hasher.Reset()
	t.received = 0

	if err := os.Remove(t.partPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove partial artifact %s: %v", t.partPath, err)
	}
	if err := util.RemoveJson(t.metaPath); err != nil {
		log.Warnf("failed to remove partial metadata: %v", err)
	}
}

func (t *transfer) progress() types.Progress {
	return types.Progress{Received: t.received, Total: t.total}
}

// packageName derives a safe file name from the package URL
func packageName(desc types.Descriptor) string {
	var name string
	if u, err := url.Parse(desc.URL); err == nil {
		name = unsafeNameChars.ReplaceAllString(path.Base(u.Path), "_")
	}
	if name == "" || name == "." || name == "_" || strings.HasPrefix(name, ".") {
		name = "kanaime-" + unsafeNameChars.ReplaceAllString(desc.Version, "_") + ".pkg"
	}
	return name
}

// contentRangeStart parses the first byte position of "bytes start-end/total"
func contentRangeStart(header string) (int64, bool) {
	spec, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return 0, false
	}
	start, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, false
	}
	v, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func contentRangeTotal(header string) int64 {
	_, total, found := strings.Cut(header, "/")
	if !found || total == "*" {
		return 0
	}
	v, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
