package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/atticoos/s3store-go/internal/metacache"
	"github.com/atticoos/s3store-go/pkg/upload"
)

// infoBody is the JSON shape persisted at id+".info". The S3 multipart
// UploadId and tus protocol version travel separately, as S3 user-metadata
// on the same object.
type infoBody struct {
	ID       string          `json:"id"`
	Size     *int64          `json:"size,omitempty"`
	MetaData upload.MetaData `json:"metaData,omitempty"`
}

// saveMetadata writes the info object for u and refreshes the cache. It is
// called both on Create and whenever DeclareUploadLength updates the size.
func (store *S3Store) saveMetadata(ctx context.Context, u upload.Upload, multipartID string) error {
	body, err := json.Marshal(infoBody{ID: u.ID, Size: u.Size, MetaData: u.MetaData})
	if err != nil {
		return fmt.Errorf("s3store: encoding info object: %w", err)
	}

	start := time.Now()
	_, err = store.Service.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.Bucket),
		Key:           store.metadataKeyWithPrefix(u.ID + ".info"),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"upload-id":   multipartID,
			"tus-version": tusVersion,
		},
	})
	store.observeRequestDuration(start, metricPutInfoObject)
	if err != nil {
		return err
	}

	store.Cache.Set(ctx, u.ID, metacache.Entry{Upload: u, MultipartID: multipartID, TusVersion: tusVersion})
	return nil
}

// getMetadata resolves the (Upload, multipart UploadId) pair for id, trying
// the cache first and falling back to the info object on a miss. A miss is
// never fatal on its own; only a genuinely absent info object is.
func (store *S3Store) getMetadata(ctx context.Context, id string) (metacache.Entry, error) {
	if entry, ok := store.Cache.Get(ctx, id); ok {
		return entry, nil
	}

	start := time.Now()
	out, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(id + ".info"),
	})
	store.observeRequestDuration(start, metricGetInfoObject)
	if err != nil {
		if isAwsError[*types.NoSuchKey](err) {
			return metacache.Entry{}, upload.NewFileNotFoundError("upload "+id+" does not exist", err)
		}
		return metacache.Entry{}, upload.NewStorageError("unable to get info object", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return metacache.Entry{}, upload.NewStorageError("unable to read info object", err)
	}

	var body infoBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return metacache.Entry{}, upload.NewStorageError("unable to decode info object", err)
	}

	entry := metacache.Entry{
		Upload: upload.Upload{
			ID:       body.ID,
			Size:     body.Size,
			MetaData: body.MetaData,
		},
		MultipartID: out.Metadata["upload-id"],
		TusVersion:  out.Metadata["tus-version"],
	}

	store.Cache.Set(ctx, id, entry)
	return entry, nil
}

// clearCache drops the cache entry for id. It never returns an error since
// the cache is purely advisory.
func (store *S3Store) clearCache(ctx context.Context, id string) {
	store.Cache.Delete(ctx, id)
}
