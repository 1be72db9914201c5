// Package download implements the Downloader (per §4.2, component A):
// fetches a firmware image over HTTP(S) into the inactive partition, with
// retry/backoff and a single-flight guard. The HTTP transport is wrapped
// in a gobreaker circuit breaker so a flapping update server stops eating
// full retry budgets across repeated download() calls, the same treat-
// the-remote-as-unreliable posture telemetry's sender takes toward its
// collector endpoint.
package download

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"openenterprise/meshota/config"
	"openenterprise/meshota/firmware"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/versiongate"
)

// Status is the OTA download session's lifecycle state.
type Status int

const (
	Idle Status = iota
	Downloading
	Succeeded
	Failed
)

// Response is what an HTTPClient.Fetch call returns: a status code, an
// optional known content length (-1 if unknown), and a body the caller
// must Close.
type Response struct {
	Status        int
	ContentLength int64
	Body          io.ReadCloser
}

// HTTPClient is the streaming HTTP(S) collaborator (per §6): open a
// request with a timeout, fetch headers, then stream the body. A
// fasthttp-backed adapter (download/fasthttpclient) and a tinygo
// lneto-backed raw adapter both implement this for their respective
// targets.
type HTTPClient interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (Response, error)
}

const MaxRetries = 3

var retryDelay = 2 * time.Second

// Downloader owns the process-wide OTA download session; at most one
// download runs at a time (per §3).
type Downloader struct {
	mu sync.Mutex

	client    HTTPClient
	partition partition.Partition
	log       *slog.Logger
	breaker   *gobreaker.CircuitBreaker

	status   Status
	progress float64
	cancel   context.CancelFunc
}

// New constructs a Downloader bound to its HTTP and partition
// collaborators.
func New(client HTTPClient, part partition.Partition, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	st := gobreaker.Settings{
		Name:    "ota-downloader",
		Timeout: 30 * time.Second,
	}
	return &Downloader{
		client:    client,
		partition: part,
		log:       log,
		breaker:   gobreaker.NewCircuitBreaker(st),
		status:    Idle,
	}
}

// Progress returns the current download progress in [0, 1].
func (d *Downloader) Progress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Status reports the current session state.
func (d *Downloader) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Download fetches url into the inactive partition, retrying transient
// failures up to MaxRetries times with a fixed inter-attempt delay
// (per §4.2).
func (d *Downloader) Download(ctx context.Context, url string, runningVersion string) error {
	if _, ok := schemeOf(url); !ok {
		return otaerr.New(otaerr.InvalidArg, "download.Download", nil)
	}

	d.mu.Lock()
	if d.status == Downloading {
		d.mu.Unlock()
		return otaerr.New(otaerr.InvalidState, "download.Download", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	d.status = Downloading
	d.progress = 0
	d.cancel = cancel
	d.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		err := d.attempt(ctx, url, runningVersion)
		if err == nil {
			d.mu.Lock()
			d.status = Succeeded
			d.progress = 1.0
			d.mu.Unlock()
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == MaxRetries {
			break
		}
		d.log.Warn("download:retry", "attempt", attempt, "err", err)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			lastErr = otaerr.New(otaerr.Timeout, "download.Download", ctx.Err())
			goto done
		}
	}
done:
	d.mu.Lock()
	d.status = Failed
	d.mu.Unlock()
	return lastErr
}

func retryable(err error) bool {
	oe, ok := err.(*otaerr.Error)
	if !ok {
		return false
	}
	return oe.Kind.Retryable()
}

func (d *Downloader) attempt(ctx context.Context, url, runningVersion string) error {
	result, err := d.breaker.Execute(func() (any, error) {
		return d.fetchAndWrite(ctx, url)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return otaerr.New(otaerr.TransportTransient, "download.attempt", err)
		}
		return err
	}
	desc := result.(partition.Descriptor)

	allow, err := versiongate.Allow(runningVersion, desc.Version)
	if err != nil {
		return otaerr.New(otaerr.InvalidArg, "download.attempt", err)
	}
	if !allow {
		return otaerr.New(otaerr.InvalidVersion, "download.attempt", nil)
	}
	return nil
}

func (d *Downloader) fetchAndWrite(ctx context.Context, url string) (partition.Descriptor, error) {
	resp, err := d.client.Fetch(ctx, url, 30*time.Second)
	if err != nil {
		return partition.Descriptor{}, otaerr.New(otaerr.TransportTransient, "download.fetchAndWrite", err)
	}
	defer resp.Body.Close()

	if resp.Status != 200 {
		if resp.Status >= 400 && resp.Status < 500 {
			return partition.Descriptor{}, otaerr.New(otaerr.InvalidArg, "download.fetchAndWrite", nil)
		}
		return partition.Descriptor{}, otaerr.New(otaerr.TransportTransient, "download.fetchAndWrite", nil)
	}

	peek := make([]byte, 4)
	n, _ := io.ReadFull(resp.Body, peek)
	isUF2 := n == 4 && binary.LittleEndian.Uint32(peek) == firmware.UF2MagicStart

	handle, err := d.partition.OpenWrite(uint32(maxInt64(resp.ContentLength, 0)))
	if err != nil {
		return partition.Descriptor{}, otaerr.New(otaerr.Fatal, "download.fetchAndWrite", err)
	}

	var bytesRead int64
	var writeErr error
	if isUF2 {
		bytesRead, writeErr = d.writeUF2Stream(handle, peek[:n], resp.Body)
	} else {
		bytesRead, writeErr = d.writeRawStream(handle, peek[:n], resp.Body, resp.ContentLength)
	}
	if writeErr != nil {
		d.partition.Abort(handle)
		return partition.Descriptor{}, writeErr
	}

	if !isUF2 && resp.ContentLength >= 0 && bytesRead != resp.ContentLength {
		d.partition.Abort(handle)
		return partition.Descriptor{}, otaerr.New(otaerr.InvalidSize, "download.fetchAndWrite", nil)
	}

	if err := d.partition.Finish(handle); err != nil {
		return partition.Descriptor{}, otaerr.New(otaerr.Fatal, "download.fetchAndWrite", err)
	}
	return d.partition.ReadDescriptor(d.partition.Next())
}

// writeRawStream copies a flat (non-UF2) image straight to the partition
// writer, chunked at config.BlockSize() (per §4.2's "streaming reader
// sized to BLOCK_SIZE").
func (d *Downloader) writeRawStream(handle partition.WriteHandle, already []byte, body io.Reader, contentLength int64) (int64, error) {
	blockSize := config.BlockSize()
	buf := make([]byte, blockSize)
	var bytesRead int64
	if len(already) > 0 {
		if err := d.partition.Write(handle, already); err != nil {
			return bytesRead, otaerr.New(otaerr.Fatal, "download.writeRawStream", err)
		}
		bytesRead += int64(len(already))
		d.updateProgress(bytesRead, contentLength)
	}
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if werr := d.partition.Write(handle, buf[:n]); werr != nil {
				return bytesRead, otaerr.New(otaerr.Fatal, "download.writeRawStream", werr)
			}
			bytesRead += int64(n)
			d.updateProgress(bytesRead, contentLength)
		}
		if rerr == io.EOF {
			return bytesRead, nil
		}
		if rerr != nil {
			return bytesRead, otaerr.New(otaerr.TransportTransient, "download.writeRawStream", rerr)
		}
	}
}

// writeUF2Stream decodes one 512-byte UF2 block at a time and writes only
// each block's real payload, so a UF2-wrapped image never needs to be
// buffered whole in memory. It assumes blocks arrive in ascending target
// address order with no gaps, true of every UF2 file this system produces
// (a single linear firmware image). firmware.DecodeBlock checks each
// block's size and magic numbers only; blocks that are out of order or
// leave gaps are not detected and are written in arrival order.
func (d *Downloader) writeUF2Stream(handle partition.WriteHandle, already []byte, body io.Reader) (int64, error) {
	block := make([]byte, firmware.UF2BlockSize)
	copy(block, already)
	filled := len(already)

	var written int64
	var blockCount uint32
	for {
		n, rerr := io.ReadFull(body, block[filled:])
		filled += n
		if filled == firmware.UF2BlockSize {
			payload, count, err := firmware.DecodeBlock(block)
			if err != nil {
				return written, otaerr.New(otaerr.InvalidArg, "download.writeUF2Stream", err)
			}
			blockCount = count
			if werr := d.partition.Write(handle, payload); werr != nil {
				return written, otaerr.New(otaerr.Fatal, "download.writeUF2Stream", werr)
			}
			written += int64(len(payload))
			if blockCount > 0 {
				d.updateProgress(written, int64(blockCount)*int64(firmware.UF2MaxPayload))
			}
			filled = 0
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			if filled != 0 {
				return written, otaerr.New(otaerr.InvalidSize, "download.writeUF2Stream", nil)
			}
			return written, nil
		}
		if rerr != nil {
			return written, otaerr.New(otaerr.TransportTransient, "download.writeUF2Stream", rerr)
		}
	}
}

func (d *Downloader) updateProgress(read, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if total > 0 {
		d.progress = float64(read) / float64(total)
	} else {
		d.progress = 0.5
	}
}

// Cancel cancels the context of a download in flight and resets the
// session to Idle. Idempotent. It does not call partition.Abort itself; an
// open write handle is released only when the cancelled download returns.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.status = Idle
	d.progress = 0
}

func schemeOf(url string) (string, bool) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "http://"):
		return "http", true
	case strings.HasPrefix(lower, "https://"):
		return "https", true
	default:
		return "", false
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
