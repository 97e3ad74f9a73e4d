// Package s3log provides a logging decorator for pkg/s3store.S3API. It lets
// the Coordinator remain free of logging concerns while still producing
// structured, per-call observability when a caller wants it.
package s3log

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atticoos/s3store-go/pkg/s3store"
)

var _ s3store.S3API = &loggingS3API{}

type loggingS3API struct {
	Wrapped s3store.S3API
	Logger  *slog.Logger
}

// New wraps api so every call is logged to logger at debug level.
func New(api s3store.S3API, logger *slog.Logger) s3store.S3API {
	return &loggingS3API{Wrapped: api, Logger: logger}
}

// sanitize strips request/response bodies before they are JSON-encoded for
// logging; bodies can be arbitrarily large and are not useful in a log line.
func sanitize(v any) any {
	switch input := v.(type) {
	case *s3.PutObjectInput:
		sanitized := *input
		sanitized.Body = nil
		return sanitized
	case *s3.UploadPartInput:
		sanitized := *input
		sanitized.Body = nil
		return sanitized
	case *s3.GetObjectOutput:
		if input == nil {
			return nil
		}
		sanitized := *input
		sanitized.Body = nil
		return sanitized
	default:
		return v
	}
}

func jsonEncode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal: %v"}`, err)
	}
	return string(data)
}

func (l *loggingS3API) logCall(operation string, input, output any, err error, duration time.Duration) {
	attrs := []any{
		"operation", operation,
		"input", jsonEncode(sanitize(input)),
		"duration_ms", duration.Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		l.Logger.Debug("s3_api_call", attrs...)
		return
	}

	attrs = append(attrs, "output", jsonEncode(sanitize(output)))
	l.Logger.Debug("s3_api_call", attrs...)
}

func (l *loggingS3API) PutObject(ctx context.Context, input *s3.PutObjectInput, opt ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.PutObject(ctx, input, opt...)
	l.logCall("PutObject", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) ListParts(ctx context.Context, input *s3.ListPartsInput, opt ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.ListParts(ctx, input, opt...)
	l.logCall("ListParts", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) UploadPart(ctx context.Context, input *s3.UploadPartInput, opt ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.UploadPart(ctx, input, opt...)
	l.logCall("UploadPart", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) GetObject(ctx context.Context, input *s3.GetObjectInput, opt ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.GetObject(ctx, input, opt...)
	l.logCall("GetObject", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) HeadObject(ctx context.Context, input *s3.HeadObjectInput, opt ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.HeadObject(ctx, input, opt...)
	l.logCall("HeadObject", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.CreateMultipartUpload(ctx, input, opt...)
	l.logCall("CreateMultipartUpload", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opt ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.AbortMultipartUpload(ctx, input, opt...)
	l.logCall("AbortMultipartUpload", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opt ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.DeleteObject(ctx, input, opt...)
	l.logCall("DeleteObject", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) DeleteObjects(ctx context.Context, input *s3.DeleteObjectsInput, opt ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.DeleteObjects(ctx, input, opt...)
	l.logCall("DeleteObjects", input, output, err, time.Since(start))
	return output, err
}

func (l *loggingS3API) CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	start := time.Now()
	output, err := l.Wrapped.CompleteMultipartUpload(ctx, input, opt...)
	l.logCall("CompleteMultipartUpload", input, output, err, time.Since(start))
	return output, err
}
