package s3store

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// The incomplete-part carry lets a PATCH end on a byte boundary S3 would
// reject as a part (anything under MinPartSize, short of the final part of
// the whole upload). Those trailing bytes are persisted at id+".part" and
// folded into the next PATCH's first chunk, so no byte the client
// successfully sent is ever rejected purely because of S3's part-size floor.

// headIncompletePart returns the size of the pending carry for id, or 0 if
// none exists.
func (store *S3Store) headIncompletePart(ctx context.Context, id string) (int64, error) {
	start := time.Now()
	out, err := store.Service.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(id + ".part"),
	})
	store.observeRequestDuration(start, metricHeadPartObject)
	if err != nil {
		if isCarryAbsent(err) {
			return 0, nil
		}
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

// getIncompletePart fetches the pending carry for id. ok is false if none
// exists; callers must still close the returned body when ok is true.
func (store *S3Store) getIncompletePart(ctx context.Context, id string) (body io.ReadCloser, size int64, ok bool, err error) {
	start := time.Now()
	out, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(id + ".part"),
	})
	store.observeRequestDuration(start, metricGetPartObject)
	if err != nil {
		if isCarryAbsent(err) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return out.Body, aws.ToInt64(out.ContentLength), true, nil
}

// putIncompletePart replaces the pending carry for id with the contents of r.
func (store *S3Store) putIncompletePart(ctx context.Context, id string, r io.ReadSeeker, size int64) error {
	start := time.Now()
	_, err := store.Service.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.Bucket),
		Key:           store.metadataKeyWithPrefix(id + ".part"),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	store.observeRequestDuration(start, metricPutPartObject)
	return err
}

// deleteIncompletePart removes the pending carry for id. Absence is not an
// error: the caller is clearing a carry it may or may not have created.
func (store *S3Store) deleteIncompletePart(ctx context.Context, id string) error {
	start := time.Now()
	_, err := store.Service.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(id + ".part"),
	})
	store.observeRequestDuration(start, metricDeletePartObject)
	if err != nil && !isCarryAbsent(err) {
		return err
	}
	return nil
}

// isCarryAbsent normalizes the handful of ways a provider reports "no object
// at that key" for a HEAD/GET against id+".part". Access-denied is included
// deliberately: some bucket policies deny reads on objects that were never
// written rather than returning NoSuchKey.
func isCarryAbsent(err error) bool {
	return isAwsError[*types.NoSuchKey](err) ||
		isAwsError[*types.NotFound](err) ||
		isAwsErrorCode(err, "NoSuchKey") ||
		isAwsErrorCode(err, "NotFound") ||
		isAwsErrorCode(err, "AccessDenied") ||
		isAwsErrorCode(err, "Forbidden")
}
