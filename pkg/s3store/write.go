package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/atticoos/s3store-go/pkg/upload"
)

// Write implements the core of the tus PATCH operation: split src into
// S3-part-sized chunks, fold in any incomplete-part carry left by a previous
// PATCH, and upload the resulting parts concurrently, bounded by
// ConcurrentPartUploads. A chunk becomes a part only if it reaches
// MinPartSize or its cumulative offset equals the upload's declared size
// (the last part of an MPU may be short); otherwise it becomes the new
// carry. Whether a chunk completes the upload is decided from offset
// arithmetic, not from stream position, since a PATCH may end short of the
// declared size.
//
// Chunk uploads run through a structured task group (golang.org/x/sync/errgroup):
// the first goroutine to fail cancels the group's context, which unblocks
// the splitter and every other in-flight upload without requiring an
// ad-hoc WaitGroup and a manually synchronized error slot.
func (store *S3Store) Write(ctx context.Context, id string, offset int64, src io.Reader) (int64, error) {
	entry, err := store.getMetadata(ctx, id)
	if err != nil {
		return 0, err
	}
	u := entry.Upload

	if u.SizeIsDeferred() {
		return 0, upload.NewStreamError("cannot write to an upload with a deferred, undeclared length", nil)
	}

	existingParts, err := store.retrieveParts(ctx, id, entry.MultipartID, nil)
	if err != nil {
		return 0, upload.NewStorageError("unable to list parts", err)
	}
	nextPartNumber := int32(len(existingParts)) + 1

	partSize, err := store.calcOptimalPartSize(u.SizeOrZero())
	if err != nil {
		return 0, upload.NewStorageError("unable to calculate part size", err)
	}

	sp := newSplitter(store.Config, store.diskWriteDurationMetric)
	group, gctx := errgroup.WithContext(ctx)
	chunks, splitErrc := sp.split(gctx, src, partSize)

	var bytesWritten int64

	// cumulative and partNumber are both assigned here, on the single
	// sequential control path that drains the splitter's channel in
	// emission order; each spawned upload task captures its own copies and
	// needs no lock.
	cumulative := offset
	for c := range chunks {
		cc := c
		cumulative += cc.size
		isFinalPart := u.Size != nil && cumulative == *u.Size

		group.Go(func() error {
			return store.uploadOrCarryChunk(gctx, id, entry.MultipartID, nextPartNumber+int32(cc.number), cc, isFinalPart, &bytesWritten)
		})
	}

	groupErr := group.Wait()

	var splitErr error
	select {
	case splitErr = <-splitErrc:
	default:
	}

	newOffset := offset + atomic.LoadInt64(&bytesWritten)

	if groupErr != nil {
		return newOffset, groupErr
	}
	if splitErr != nil {
		return newOffset, upload.NewStreamError("unable to read upload body", splitErr)
	}

	if u.Size != nil && newOffset == *u.Size {
		if err := store.finishMultipartUpload(ctx, id, entry.MultipartID); err != nil {
			return newOffset, err
		}
		store.clearCache(ctx, id)
	}

	return newOffset, nil
}

// uploadOrCarryChunk resolves chunk c (folding in the pending carry if c is
// the first chunk of this Write call) and either uploads it as an S3 part or,
// if it's too small to be one and isn't the final chunk of the whole upload,
// persists it as the new carry.
func (store *S3Store) uploadOrCarryChunk(ctx context.Context, id, multipartID string, partNumber int32, c chunk, isFinalChunk bool, bytesWritten *int64) error {
	defer func() {
		if err := c.close(); err != nil {
			store.Logger.Warn("failed to clean up staged chunk", "upload_id", id, "error", err)
		}
	}()

	body := c.body
	size := c.size
	var carrySize int64

	if c.number == 0 {
		carryBody, cSize, ok, err := store.getIncompletePart(ctx, id)
		if err != nil {
			return upload.NewStorageError("unable to fetch incomplete part", err)
		}
		if ok {
			defer carryBody.Close()
			staged, newSize, err := prependCarry(store.Config, carryBody, cSize, c.body, c.size)
			if err != nil {
				return upload.NewStreamError("unable to prepend incomplete part", err)
			}
			defer func() {
				if err := staged.close(); err != nil {
					store.Logger.Warn("failed to clean up staged carry chunk", "upload_id", id, "error", err)
				}
			}()
			body = staged.body
			size = newSize
			carrySize = cSize

			if err := store.deleteIncompletePart(ctx, id); err != nil {
				return upload.NewStorageError("unable to delete incomplete part", err)
			}
		}
	}

	if size < store.MinPartSize && !isFinalChunk {
		if err := store.putIncompletePart(ctx, id, body, size); err != nil {
			return upload.NewStorageError("unable to persist incomplete part", err)
		}
		atomic.AddInt64(bytesWritten, size-carrySize)
		return nil
	}

	store.acquireUploadSemaphore()
	defer store.releaseUploadSemaphore()

	start := time.Now()
	err := store.putPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(store.Bucket),
		Key:        store.keyWithPrefix(id),
		UploadId:   aws.String(multipartID),
		PartNumber: aws.Int32(partNumber),
	}, body, size)
	store.observeRequestDuration(start, metricUploadPart)
	if err != nil {
		return upload.NewStorageError("unable to upload part", err)
	}

	atomic.AddInt64(bytesWritten, size-carrySize)
	return nil
}

// putPart uploads one part. By default it lets the AWS SDK compute the part
// body's MD5/SHA256 as part of a regular UploadPart call. When
// DisableContentHashes is set, it instead presigns UploadPart and issues the
// PUT itself, so the body never passes through the SDK's checksum step.
func (store *S3Store) putPart(ctx context.Context, input *s3.UploadPartInput, body io.ReadSeeker, size int64) error {
	if !store.DisableContentHashes {
		input.Body = body
		input.ContentLength = aws.Int64(size)
		_, err := store.Service.UploadPart(ctx, input)
		return err
	}

	s3Client, ok := store.Service.(*s3.Client)
	if !ok {
		return fmt.Errorf("s3store: DisableContentHashes requires an unwrapped *s3.Client")
	}

	presignClient := s3.NewPresignClient(s3Client)
	presigned, err := presignClient.PresignUploadPart(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = 15 * time.Minute
	})
	if err != nil {
		return fmt.Errorf("s3store: presigning UploadPart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.URL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		buf := new(strings.Builder)
		io.Copy(buf, res.Body)
		return fmt.Errorf("s3store: unexpected response code %d for presigned upload: %s", res.StatusCode, buf.String())
	}

	return nil
}

// prependCarry stages a new chunk consisting of carry followed by the bytes
// already staged in chunkBody, without holding either fully in memory unless
// Config.StageInMemory is set.
func prependCarry(cfg Config, carry io.Reader, carrySize int64, chunkBody io.ReadSeeker, chunkSize int64) (stagedChunk, int64, error) {
	if _, err := chunkBody.Seek(0, io.SeekStart); err != nil {
		return stagedChunk{}, 0, err
	}

	if cfg.StageInMemory {
		buf := bytes.NewBuffer(make([]byte, 0, carrySize+chunkSize))
		if _, err := io.Copy(buf, carry); err != nil {
			return stagedChunk{}, 0, err
		}
		if _, err := io.Copy(buf, chunkBody); err != nil {
			return stagedChunk{}, 0, err
		}
		return stagedChunk{body: bytes.NewReader(buf.Bytes()), close: func() error { return nil }}, carrySize + chunkSize, nil
	}

	f, err := os.CreateTemp(cfg.TemporaryDirectory, "s3store-carry-*.part")
	if err != nil {
		return stagedChunk{}, 0, err
	}
	remove := func() error {
		closeErr := f.Close()
		removeErr := os.Remove(f.Name())
		if closeErr != nil {
			return closeErr
		}
		return removeErr
	}

	if _, err := io.Copy(f, carry); err != nil {
		remove()
		return stagedChunk{}, 0, err
	}
	if _, err := io.Copy(f, chunkBody); err != nil {
		remove()
		return stagedChunk{}, 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		remove()
		return stagedChunk{}, 0, err
	}

	return stagedChunk{body: f, close: remove}, carrySize + chunkSize, nil
}
