package s3store

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/atticoos/s3store-go/pkg/upload"
)

// finishMultipartUpload completes the multipart upload once Write has
// determined the declared size has been reached.
func (store *S3Store) finishMultipartUpload(ctx context.Context, id, multipartID string) error {
	parts, err := store.retrieveParts(ctx, id, multipartID, nil)
	if err != nil {
		return upload.NewStorageError("unable to list parts", err)
	}

	if len(parts) == 0 {
		// S3 refuses to complete a multipart upload with zero parts, so a
		// zero-length upload needs one empty part to close it out.
		start := time.Now()
		out, err := store.Service.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(store.Bucket),
			Key:           store.keyWithPrefix(id),
			UploadId:      aws.String(multipartID),
			PartNumber:    aws.Int32(1),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		store.observeRequestDuration(start, metricUploadPart)
		if err != nil {
			return upload.NewStorageError("unable to upload empty part", err)
		}
		parts = []s3Part{{number: 1, etag: aws.ToString(out.ETag)}}
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{ETag: aws.String(part.etag), PartNumber: aws.Int32(part.number)}
	}

	start := time.Now()
	_, err = store.Service.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(id),
		UploadId: aws.String(multipartID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	store.observeRequestDuration(start, metricCompleteMultipartUpload)
	if err != nil {
		return upload.NewStorageError("unable to complete multipart upload", err)
	}
	return nil
}
