// Package s3store implements upload.Store on top of an S3-compatible object
// store, mapping tus' resumable upload semantics onto S3 Multipart Uploads.
//
// # Object layout
//
// For an upload with id X, three objects live in the configured bucket:
//
//	X       the target object; a multipart upload while the tus upload is
//	        in progress, a plain object once finished
//	X.info  the upload's id, size and metadata as JSON plus, in its user-metadata, the
//	        S3 multipart UploadId and the tus protocol version
//	X.part  present only while the most recent PATCH ended on a
//	        sub-minimum-part-size boundary; holds those trailing bytes
//	        until the next PATCH can fold them into a full part
//
// # Why parts don't align to PATCH requests
//
// S3 requires every part but the last to be at least MinPartSize. A tus
// client's PATCH boundaries have no relationship to that constraint, so a
// PATCH's body is split into on-disk chunks of a size chosen by
// calcOptimalPartSize, and any sub-minimum trailing chunk is persisted as
// the "incomplete part" (X.part) rather than rejected, to be joined with the
// next PATCH's first chunk. See splitter.go and carry.go.
//
// # Concurrency
//
// The Coordinator makes no attempt to serialize concurrent Write calls
// against the same upload id; the caller (the tus HTTP layer) must guarantee
// at most one Write in flight per id. Distinct ids are fully independent.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/atticoos/s3store-go/internal/metacache"
	"github.com/atticoos/s3store-go/internal/semaphore"
	"github.com/atticoos/s3store-go/internal/uid"
	"github.com/atticoos/s3store-go/pkg/upload"
)

// tusVersion is recorded in the info object's user-metadata so that a future
// reader can tell which revision of the on-disk layout produced it.
const tusVersion = "1.0.0"

// nonPrintableRegexp matches characters not valid in an RFC 2616 header
// value; S3 user-metadata is restricted to printable ASCII.
var nonPrintableRegexp = regexp.MustCompile(`[^\x09\x20-\x7E]`)

// S3API is the subset of the AWS SDK v2 S3 client this package depends on.
// Implementations may wrap github.com/aws/aws-sdk-go-v2/service/s3.Client,
// for example with internal/s3log for request logging, or a fake for tests.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opt ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListParts(ctx context.Context, input *s3.ListPartsInput, opt ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, input *s3.UploadPartInput, opt ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opt ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opt ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opt ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opt ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, input *s3.DeleteObjectsInput, opt ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// Config collects the tunables for a Coordinator. Zero values are replaced
// by sane defaults in New; see the field docs for what those defaults are.
type Config struct {
	// Bucket is the target bucket. Required.
	Bucket string
	// ObjectPrefix is prepended to the target object key, e.g. "uploads/".
	ObjectPrefix string
	// MetadataObjectPrefix is prepended to the .info/.part sidecar object
	// keys. Defaults to ObjectPrefix.
	MetadataObjectPrefix string

	// PreferredPartSize is the size calcOptimalPartSize aims for. Must be
	// between MinPartSize and MaxPartSize. Default: 8 MiB.
	PreferredPartSize int64
	// MinPartSize is the smallest allowed non-final S3 part. Default: 5 MiB.
	MinPartSize int64
	// MaxPartSize is the largest allowed S3 part. Default: 5 GiB.
	MaxPartSize int64
	// MaxMultipartParts is S3's part-count ceiling. Default: 10000.
	MaxMultipartParts int64
	// MaxObjectSize is the largest object S3 can hold. Default: 5 TiB.
	MaxObjectSize int64

	// MaxBufferedParts sizes the splitter's chunk channel: how many staged
	// chunks the splitter may produce ahead of Write taking them off the
	// channel. Write starts a task for each chunk as soon as it takes it, and
	// a task waits for an upload slot while holding its staged chunk, so the
	// number of staged chunks on disk is not bounded by this value.
	// Default: 20.
	MaxBufferedParts int64
	// ConcurrentPartUploads bounds how many UploadPart calls are in flight at
	// once. Default: 10.
	ConcurrentPartUploads int
	// TemporaryDirectory is where chunk files are staged. Empty uses the
	// operating system default.
	TemporaryDirectory string
	// StageInMemory stages chunks in memory instead of on disk. Useful when
	// TemporaryDirectory is tight on space or backed by tmpfs already.
	StageInMemory bool

	// DisableContentHashes skips the AWS SDK's usual MD5/SHA256 checksum of
	// the part body by presigning UploadPart and issuing the PUT directly
	// instead of going through the SDK's UploadPart call. Experimental: it
	// trades payload integrity checking for throughput on the part-upload
	// hot path, and only works when Service is a *s3.Client (not wrapped).
	DisableContentHashes bool

	// Cache backs the metadata cache. Defaults to an unbounded in-process
	// map (internal/metacache.InMemory). Supply a *metacache.RedisCache to
	// share cache state across multiple Coordinator instances.
	Cache metacache.KV

	// Logger receives best-effort-cleanup-failure warnings. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PreferredPartSize == 0 {
		c.PreferredPartSize = 8 * 1024 * 1024
	}
	if c.MinPartSize == 0 {
		c.MinPartSize = 5 * 1024 * 1024
	}
	if c.MaxPartSize == 0 {
		c.MaxPartSize = 5 * 1024 * 1024 * 1024
	}
	if c.MaxMultipartParts == 0 {
		c.MaxMultipartParts = 10000
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = 5 * 1024 * 1024 * 1024 * 1024
	}
	if c.MaxBufferedParts == 0 {
		c.MaxBufferedParts = 20
	}
	if c.ConcurrentPartUploads == 0 {
		c.ConcurrentPartUploads = 10
	}
	if c.Cache == nil {
		c.Cache = metacache.NewInMemory()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// S3Store is the Upload Coordinator: it implements upload.Store by driving
// the S3 multipart upload state machine.
type S3Store struct {
	Config
	Service S3API

	uploadSemaphore semaphore.Semaphore

	requestDurationMetric       *prometheus.SummaryVec
	diskWriteDurationMetric     prometheus.Summary
	uploadSemaphoreDemandMetric prometheus.Gauge
	uploadSemaphoreLimitMetric  prometheus.Gauge
}

const (
	metricGetInfoObject           = "get_info_object"
	metricPutInfoObject           = "put_info_object"
	metricCreateMultipartUpload   = "create_multipart_upload"
	metricCompleteMultipartUpload = "complete_multipart_upload"
	metricAbortMultipartUpload    = "abort_multipart_upload"
	metricUploadPart              = "upload_part"
	metricListParts               = "list_parts"
	metricHeadPartObject          = "head_part_object"
	metricGetPartObject           = "get_part_object"
	metricPutPartObject           = "put_part_object"
	metricDeletePartObject        = "delete_part_object"
)

// New constructs a Coordinator against an already-built S3 client.
func New(cfg Config, service S3API) *S3Store {
	cfg.setDefaults()

	store := &S3Store{
		Config:  cfg,
		Service: service,

		requestDurationMetric: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "s3store_request_duration_ms",
			Help:       "Duration of requests sent to S3 in milliseconds, per operation.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"operation"}),

		diskWriteDurationMetric: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "s3store_disk_write_duration_ms",
			Help:       "Duration of chunk writes to disk in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),

		uploadSemaphoreDemandMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3store_upload_semaphore_demand",
			Help: "Number of goroutines wanting to acquire, or holding, the part-upload semaphore.",
		}),

		uploadSemaphoreLimitMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3store_upload_semaphore_limit",
			Help: "Configured limit of concurrent part uploads.",
		}),
	}

	store.setConcurrentPartUploads(cfg.ConcurrentPartUploads)
	return store
}

// NewFromConfig builds an *s3.Client via the AWS SDK's default configuration
// resolution (environment, shared config/credentials files, EC2/ECS
// metadata, ...) and wires it into a new Coordinator. optFns are forwarded
// to config.LoadDefaultConfig, so callers can set Region, an alternate
// endpoint for S3-compatible services, static credentials, and so on.
func NewFromConfig(ctx context.Context, cfg Config, optFns ...func(*awsconfig.LoadOptions) error) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3store: unable to load AWS config: %w", err)
	}
	return New(cfg, s3.NewFromConfig(awsCfg)), nil
}

// setConcurrentPartUploads changes the limit on in-flight UploadPart calls.
func (store *S3Store) setConcurrentPartUploads(limit int) {
	store.uploadSemaphore = semaphore.New(limit)
	store.uploadSemaphoreLimitMetric.Set(float64(limit))
}

// RegisterMetrics registers this Coordinator's Prometheus collectors.
func (store *S3Store) RegisterMetrics(registry prometheus.Registerer) {
	registry.MustRegister(store.requestDurationMetric)
	registry.MustRegister(store.diskWriteDurationMetric)
	registry.MustRegister(store.uploadSemaphoreDemandMetric)
	registry.MustRegister(store.uploadSemaphoreLimitMetric)
}

func (store *S3Store) observeRequestDuration(start time.Time, label string) {
	ms := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
	store.requestDurationMetric.WithLabelValues(label).Observe(ms)
}

func (store *S3Store) acquireUploadSemaphore() {
	store.uploadSemaphoreDemandMetric.Inc()
	store.uploadSemaphore.Acquire()
}

func (store *S3Store) releaseUploadSemaphore() {
	store.uploadSemaphore.Release()
	store.uploadSemaphoreDemandMetric.Dec()
}

// Extensions reports the tus protocol extensions this Coordinator supports.
func (store *S3Store) Extensions() []upload.Extension {
	return []upload.Extension{
		upload.ExtensionCreation,
		upload.ExtensionCreationWithUpload,
		upload.ExtensionCreationDeferredLength,
		upload.ExtensionTermination,
	}
}

// Create issues CreateMultipartUpload and writes the info object. If the
// info object write fails after the multipart upload was created, the
// multipart upload is left dangling rather than rolled back. Remove does not
// reclaim it, since Remove reads the info object to learn the multipart
// UploadId; only an out-of-band sweep of stale multipart uploads does.
func (store *S3Store) Create(ctx context.Context, u upload.Upload) (upload.Upload, error) {
	if u.Size != nil && *u.Size > store.MaxObjectSize {
		return upload.Upload{}, upload.NewStorageError(
			fmt.Sprintf("upload size of %d bytes exceeds MaxObjectSize of %d bytes", *u.Size, store.MaxObjectSize), nil)
	}

	if u.ID == "" {
		u.ID = uid.Uid()
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(u.ID),
		Metadata: map[string]string{"tus-version": tusVersion},
	}
	if ct, ok := u.MetaData["contentType"]; ok {
		input.ContentType = aws.String(nonPrintableRegexp.ReplaceAllString(ct, "?"))
	}

	start := time.Now()
	res, err := store.Service.CreateMultipartUpload(ctx, input)
	store.observeRequestDuration(start, metricCreateMultipartUpload)
	if err != nil {
		return upload.Upload{}, upload.NewStorageError("unable to create multipart upload", err)
	}

	if err := store.saveMetadata(ctx, u, *res.UploadId); err != nil {
		return upload.Upload{}, upload.NewStorageError("unable to create info object", err)
	}

	return u, nil
}

// GetUpload recomputes Offset from durable S3 state: the sum of uploaded
// part sizes plus any pending incomplete-part carry. The two lookups are
// independent S3 calls, so they run concurrently through a structured task
// group rather than one after the other.
func (store *S3Store) GetUpload(ctx context.Context, id string) (upload.Upload, error) {
	entry, err := store.getMetadata(ctx, id)
	if err != nil {
		return upload.Upload{}, err
	}

	var parts []s3Part
	var partsErr error
	var incompletePartSize int64

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		parts, partsErr = store.retrieveParts(gctx, id, entry.MultipartID, nil)
		if partsErr != nil && !isUploadNotFound(partsErr) {
			return upload.NewStorageError("unable to list parts", partsErr)
		}
		return nil
	})
	group.Go(func() error {
		size, err := store.headIncompletePart(gctx, id)
		if err != nil {
			return upload.NewStorageError("unable to head incomplete part", err)
		}
		incompletePartSize = size
		return nil
	})
	if err := group.Wait(); err != nil {
		return upload.Upload{}, err
	}

	if partsErr != nil && isUploadNotFound(partsErr) {
		// The multipart upload is gone, which means it has already been
		// completed (we already found the info object, so it cannot have
		// never existed).
		entry.Upload.Offset = entry.Upload.SizeOrZero()
		return entry.Upload, nil
	}

	offset := incompletePartSize
	for _, part := range parts {
		offset += part.size
	}
	entry.Upload.Offset = offset

	return entry.Upload, nil
}

// Read streams the finished upload's content. It returns FileNotFound if
// neither the finished object nor an in-progress multipart upload for id
// exist, and a StorageError if the multipart upload is still open (the
// object doesn't exist as a readable whole yet).
func (store *S3Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	res, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.keyWithPrefix(id),
	})
	if err == nil {
		return res.Body, nil
	}
	if !isAwsError[*types.NoSuchKey](err) {
		return nil, upload.NewStorageError("unable to get object", err)
	}

	entry, metaErr := store.getMetadata(ctx, id)
	if metaErr != nil {
		return nil, metaErr
	}

	_, listErr := store.Service.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(id),
		UploadId: aws.String(entry.MultipartID),
		MaxParts: aws.Int32(0),
	})
	if listErr == nil {
		return nil, upload.NewStorageError("cannot stream a non-finished upload", nil)
	}
	if isUploadNotFound(listErr) {
		return nil, upload.NewFileNotFoundError("upload not found", nil)
	}
	return nil, upload.NewStorageError("unable to list parts", listErr)
}

// DeclareUploadLength implements the creation-defer-length extension. It
// awaits the info object write before returning, so a caller never observes
// success before the length is durable.
func (store *S3Store) DeclareUploadLength(ctx context.Context, id string, length int64) error {
	entry, err := store.getMetadata(ctx, id)
	if err != nil {
		return err
	}

	entry.Upload.Size = aws.Int64(length)
	if err := store.saveMetadata(ctx, entry.Upload, entry.MultipartID); err != nil {
		return upload.NewStorageError("unable to update info object", err)
	}
	return nil
}

// Remove aborts the multipart upload (if any) and deletes the target, info,
// and carry objects. It clears the cache entry regardless of outcome.
func (store *S3Store) Remove(ctx context.Context, id string) error {
	entry, err := store.getMetadata(ctx, id)
	if err != nil {
		return err
	}
	defer store.clearCache(ctx, id)

	start := time.Now()
	_, abortErr := store.Service.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(id),
		UploadId: aws.String(entry.MultipartID),
	})
	store.observeRequestDuration(start, metricAbortMultipartUpload)
	if abortErr != nil && !isUploadNotFound(abortErr) {
		return upload.NewStorageError("unable to abort multipart upload", abortErr)
	}

	res, err := store.Service.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(store.Bucket),
		Delete: &types.Delete{
			Objects: []types.ObjectIdentifier{
				{Key: store.keyWithPrefix(id)},
				{Key: store.metadataKeyWithPrefix(id + ".info")},
				{Key: store.metadataKeyWithPrefix(id + ".part")},
			},
			Quiet: aws.Bool(true),
		},
	})
	if err != nil {
		return upload.NewStorageError("unable to delete objects", err)
	}
	for _, s3Err := range res.Errors {
		if s3Err.Code != nil && *s3Err.Code != "NoSuchKey" {
			return upload.NewStorageError(
				fmt.Sprintf("S3 error %s for object %s: %s", *s3Err.Code, aws.ToString(s3Err.Key), aws.ToString(s3Err.Message)), nil)
		}
	}

	return nil
}

// s3Part is a single uploaded part, as reported by ListParts.
type s3Part struct {
	number int32
	size   int64
	etag   string
}

// retrieveParts pages through ListParts. On the top-level call (marker ==
// nil), the accumulated parts are sorted by PartNumber and truncated to the
// longest dense 1..k prefix, since tus's resumable semantics require
// contiguity: any gap means a preceding part failed and everything after the
// gap must be treated as absent.
func (store *S3Store) retrieveParts(ctx context.Context, id, multipartID string, marker *string) ([]s3Part, error) {
	topLevel := marker == nil
	var parts []s3Part

	for {
		start := time.Now()
		out, err := store.Service.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(store.Bucket),
			Key:              store.keyWithPrefix(id),
			UploadId:         aws.String(multipartID),
			PartNumberMarker: marker,
		})
		store.observeRequestDuration(start, metricListParts)
		if err != nil {
			return nil, err
		}

		parts = slices.Grow(parts, len(parts)+len(out.Parts))
		for _, part := range out.Parts {
			parts = append(parts, s3Part{number: aws.ToInt32(part.PartNumber), size: aws.ToInt64(part.Size), etag: aws.ToString(part.ETag)})
		}

		// Some S3-compatible providers keep returning a NextPartNumberMarker
		// of "0" (or "") instead of ending the listing; treat both as terminal
		// so we never spin forever.
		if out.IsTruncated != nil && *out.IsTruncated && out.NextPartNumberMarker != nil &&
			*out.NextPartNumberMarker != "" && *out.NextPartNumberMarker != "0" {
			marker = out.NextPartNumberMarker
			continue
		}
		break
	}

	if topLevel {
		slices.SortFunc(parts, func(a, b s3Part) int { return int(a.number) - int(b.number) })
		parts = longestDensePrefix(parts)
	}

	return parts, nil
}

// longestDensePrefix returns the longest prefix of parts (sorted by number)
// in which parts[i].number == i+1.
func longestDensePrefix(parts []s3Part) []s3Part {
	for i, part := range parts {
		if part.number != int32(i+1) {
			return parts[:i]
		}
	}
	return parts
}

// calcOptimalPartSize picks a part size in [MinPartSize, MaxPartSize] that
// keeps the total part count within MaxMultipartParts. size must be a known
// upload length; callers must not invoke this for a deferred-length upload.
func (store *S3Store) calcOptimalPartSize(size int64) (int64, error) {
	var partSize int64
	switch {
	case size <= store.PreferredPartSize:
		partSize = store.PreferredPartSize
	case size <= store.PreferredPartSize*store.MaxMultipartParts:
		partSize = store.PreferredPartSize
	case size%store.MaxMultipartParts == 0:
		partSize = size / store.MaxMultipartParts
	default:
		partSize = size/store.MaxMultipartParts + 1
	}

	if partSize > store.MaxPartSize {
		return partSize, fmt.Errorf("s3store: to upload %d bytes, optimal part size %d would exceed MaxPartSize %d", size, partSize, store.MaxPartSize)
	}
	if partSize < store.MinPartSize {
		partSize = store.MinPartSize
	}
	return partSize, nil
}

func (store *S3Store) keyWithPrefix(key string) *string {
	return aws.String(withTrailingSlash(store.ObjectPrefix) + key)
}

func (store *S3Store) metadataKeyWithPrefix(key string) *string {
	prefix := store.MetadataObjectPrefix
	if prefix == "" {
		prefix = store.ObjectPrefix
	}
	return aws.String(withTrailingSlash(prefix) + key)
}

func withTrailingSlash(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// isAwsError reports whether err (or something it wraps) is of type T.
func isAwsError[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// isAwsErrorCode reports whether err carries the given smithy API error
// code. This is needed alongside isAwsError because the AWS SDK v2 does not
// always surface a typed *types.NoSuchUpload for ListParts against an
// aborted/completed multipart upload; some S3-compatible providers return a
// bare error code instead.
func isAwsErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}

// isUploadNotFound normalizes the several ways a provider can say "this
// multipart upload doesn't exist": AWS returns NoSuchUpload; some
// S3-compatible providers (e.g. DigitalOcean Spaces) return NoSuchKey
// instead.
func isUploadNotFound(err error) bool {
	return isAwsError[*types.NoSuchUpload](err) ||
		isAwsErrorCode(err, "NoSuchUpload") ||
		isAwsError[*types.NoSuchKey](err) ||
		isAwsErrorCode(err, "NoSuchKey")
}
