package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// chunk is one fixed-size (or, for the last chunk of a stream, remainder-sized)
// slice of an incoming PATCH body, staged locally so it can be uploaded as an
// S3 part without holding the whole PATCH body in memory.
//
// chunk.number is 0-based and counts chunks produced by this Write call only;
// it is not the S3 part number, which also accounts for parts uploaded by
// earlier PATCH requests.
type chunk struct {
	number int
	size   int64
	body   io.ReadSeeker
	close  func() error
}

// splitter turns a PATCH body into a stream of chunks, each staged either as
// a temporary file or, when StageInMemory is set, an in-memory buffer. It
// never emits a zero-sized chunk: a src that yields no bytes produces no
// chunks at all.
type splitter struct {
	tmpDir           string
	stageInMemory    bool
	maxBufferedParts int64
	writeDuration    prometheus.Summary
}

func newSplitter(cfg Config, writeDuration prometheus.Summary) *splitter {
	return &splitter{
		tmpDir:           cfg.TemporaryDirectory,
		stageInMemory:    cfg.StageInMemory,
		maxBufferedParts: cfg.MaxBufferedParts,
		writeDuration:    writeDuration,
	}
}

// split reads src to completion, staging chunks of at most partSize bytes and
// sending them on the returned channel in order. The channel is buffered to
// maxBufferedParts entries, so a slow consumer applies backpressure to the
// producer instead of unbounded local disk/memory growth: at most
// maxBufferedParts staged chunks can exist unconsumed at once.
//
// The returned channel is closed when src is exhausted or an error occurs.
// Exactly one of "all chunks sent, channel closed, err stays nil forever" or
// "an error is sent to errc and the channel is closed" happens; the caller
// must drain chunks even after seeing an error, so the producer goroutine
// isn't left blocked on a full channel.
func (sp *splitter) split(ctx context.Context, src io.Reader, partSize int64) (<-chan chunk, <-chan error) {
	chunks := make(chan chunk, int(sp.maxBufferedParts))
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)

		for number := 0; ; number++ {
			c, n, err := sp.stage(src, partSize)
			if n > 0 {
				select {
				case chunks <- chunk{number: number, size: n, body: c.body, close: c.close}:
				case <-ctx.Done():
					c.close()
					errc <- ctx.Err()
					return
				}
			} else if c.close != nil {
				c.close()
			}

			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	return chunks, errc
}

type stagedChunk struct {
	body  io.ReadSeeker
	close func() error
}

// stage copies up to partSize bytes from src into fresh local storage and
// returns it positioned at the start, along with the number of bytes copied.
// err is io.EOF once src is exhausted, possibly alongside a final short
// (n < partSize) chunk.
func (sp *splitter) stage(src io.Reader, partSize int64) (stagedChunk, int64, error) {
	start := time.Now()
	defer func() {
		sp.writeDuration.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
	}()

	if sp.stageInMemory {
		buf := &bytes.Buffer{}
		n, err := io.CopyN(buf, src, partSize)
		if err != nil && err != io.EOF {
			return stagedChunk{}, 0, fmt.Errorf("s3store: reading upload body: %w", err)
		}
		return stagedChunk{body: bytes.NewReader(buf.Bytes()), close: func() error { return nil }}, n, err
	}

	f, err := os.CreateTemp(sp.tmpDir, "s3store-*.part")
	if err != nil {
		return stagedChunk{}, 0, fmt.Errorf("s3store: creating temp file: %w", err)
	}
	remove := func() error {
		closeErr := f.Close()
		removeErr := os.Remove(f.Name())
		if closeErr != nil {
			return closeErr
		}
		return removeErr
	}

	n, copyErr := io.CopyN(f, src, partSize)
	if copyErr != nil && copyErr != io.EOF {
		remove()
		return stagedChunk{}, 0, fmt.Errorf("s3store: reading upload body: %w", copyErr)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		remove()
		return stagedChunk{}, n, fmt.Errorf("s3store: rewinding temp file: %w", err)
	}

	return stagedChunk{body: f, close: remove}, n, copyErr
}
