// Package upload defines the data model and store contract shared by any
// backend that implements tus' resumable upload semantics.
//
// A Store does not speak HTTP. It is consumed by a tus protocol handler,
// which maps PATCH/HEAD/DELETE requests and the creation extensions onto
// the operations declared here.
package upload

import (
	"context"
	"io"
)

// MetaData holds user-supplied tus metadata key/value pairs. The "contentType"
// key, if present, is propagated to the final object's Content-Type.
type MetaData map[string]string

// Upload is the logical record for a single tus upload, independent of how
// the backend chooses to store its bytes.
type Upload struct {
	// ID uniquely identifies this upload within the store.
	ID string
	// Size is the total number of bytes this upload will contain. A nil
	// Size means the length was deferred at creation time and has not yet
	// been declared via DeclareUploadLength.
	Size *int64
	// Offset is the number of bytes durably accepted so far.
	Offset int64
	// MetaData is the user-supplied metadata recorded at creation time.
	MetaData MetaData
}

// SizeIsDeferred reports whether the upload's total size is not yet known.
func (u Upload) SizeIsDeferred() bool {
	return u.Size == nil
}

// SizeOrZero returns the declared size, or zero if the size is deferred.
func (u Upload) SizeOrZero() int64 {
	if u.Size == nil {
		return 0
	}
	return *u.Size
}

// Extension names the tus protocol extensions a Store supports.
type Extension string

const (
	ExtensionCreation               Extension = "creation"
	ExtensionCreationWithUpload     Extension = "creation-with-upload"
	ExtensionCreationDeferredLength Extension = "creation-defer-length"
	ExtensionTermination            Extension = "termination"
)

// Store is the contract a resumable-upload backend exposes to the tus HTTP
// layer. All operations are safe to call concurrently for distinct ids; the
// caller is responsible for serializing concurrent Write calls against the
// same id (see the package doc of s3store for why).
type Store interface {
	// Create begins a new upload and returns the (possibly mutated) record,
	// notably with ID populated if the caller did not supply one.
	Create(ctx context.Context, u Upload) (Upload, error)
	// Write appends the bytes read from src, starting at the given offset,
	// and returns the new offset durably recorded.
	Write(ctx context.Context, id string, offset int64, src io.Reader) (int64, error)
	// Read returns a stream of the finished upload's content.
	Read(ctx context.Context, id string) (io.ReadCloser, error)
	// GetUpload returns the current record for id, recomputing Offset from
	// the backend's durable state.
	GetUpload(ctx context.Context, id string) (Upload, error)
	// DeclareUploadLength sets the total size for an upload created with a
	// deferred length. It must be called before the first Write.
	DeclareUploadLength(ctx context.Context, id string, length int64) error
	// Remove terminates an upload, deleting all state associated with it.
	Remove(ctx context.Context, id string) error
	// Extensions lists the tus protocol extensions this Store supports.
	Extensions() []Extension
}
