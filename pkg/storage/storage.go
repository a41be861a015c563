// Package storage is the storage façade: it composes the metadata
// store, the blob store, and the multipart session registry into the
// single-object-path API the HTTP layer calls.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/hideki0403/ofuton-go/pkg/blobstore"
	"github.com/hideki0403/ofuton-go/pkg/metadata"
	"github.com/hideki0403/ofuton-go/pkg/multipart"
)

// ErrInvalidUploadID is returned by multipart operations when
// uploadID is unknown or has already expired.
var ErrInvalidUploadID = errors.New("storage: invalid or expired upload id")

// ErrNotFound re-exports metadata.ErrNotFound so callers never need to
// import the metadata package directly.
var ErrNotFound = metadata.ErrNotFound

// ErrConflict re-exports metadata.ErrConflict.
var ErrConflict = metadata.ErrConflict

// Object is a persisted object row.
type Object = metadata.Object

// Storage composes the metadata store, blob store, and multipart
// registry behind the operations the HTTP layer needs.
type Storage struct {
	metadata  *metadata.Store
	blobs     *blobstore.Store
	multipart *multipart.Registry
	logger    zerolog.Logger
}

// New wires a Storage façade. ttl bounds how long an idle multipart
// upload may live before its session and on-disk parts are reclaimed.
func New(metadataStore *metadata.Store, blobs *blobstore.Store, ttl time.Duration, logger zerolog.Logger) *Storage {
	s := &Storage{
		metadata: metadataStore,
		blobs:    blobs,
		logger:   logger.With().Str("component", "storage").Logger(),
	}
	s.multipart = multipart.New(ttl, s.expireMultipartUpload, logger)
	return s
}

func (s *Storage) expireMultipartUpload(uploadID string) error {
	err := s.blobs.Delete(uploadID, true)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	return err
}

// GetObjectResult is the result of GetObject. File is a concrete
// *os.File, not just io.ReadCloser, so the HTTP layer can pass it to
// http.ServeContent for range-capable reads.
type GetObjectResult struct {
	Metadata *Object
	File     *os.File
}

// GetObject looks up path's metadata, optionally opening its blob for
// streaming read.
func (s *Storage) GetObject(path string, withFile bool) (*GetObjectResult, error) {
	obj, err := s.metadata.GetByPath(path)
	if err != nil {
		return nil, err
	}

	result := &GetObjectResult{Metadata: obj}
	if !withFile {
		return result, nil
	}

	f, err := s.blobs.Read(obj.InternalFilename)
	if err != nil {
		return nil, err
	}
	result.File = f
	return result, nil
}

// PutObjectInput carries a single-shot object write.
type PutObjectInput struct {
	Path            string
	Filename        string
	EncodedFilename string
	MimeType        string
	ContentSize     uint64
	Body            io.Reader
}

// PutObject computes the content-addressed internal filename, inserts
// the metadata row, then writes the blob. Metadata is written first:
// a blob write failure leaves a dangling metadata row rather than an
// orphaned blob with no pointer to it (see DESIGN.md).
func (s *Storage) PutObject(in PutObjectInput) error {
	internalFilename := InternalFilenameFor(in.Path)

	obj := &Object{
		Path:             in.Path,
		ContentSize:      in.ContentSize,
		MimeType:         in.MimeType,
		InternalFilename: internalFilename,
		Filename:         in.Filename,
		EncodedFilename:  in.EncodedFilename,
	}

	if err := s.metadata.Insert(obj); err != nil {
		return err
	}

	if err := s.blobs.Write(internalFilename, in.Body, false); err != nil {
		s.logger.Error().Err(err).Str("path", in.Path).Msg("blob write failed after metadata insert; row is now dangling")
		return fmt.Errorf("storage: put_object %q: %w", in.Path, err)
	}

	return nil
}

// IsMultipartRegistered reports whether uploadID names a currently
// active multipart session, without touching its activity timestamp.
func (s *Storage) IsMultipartRegistered(uploadID string) bool {
	return s.multipart.Exists(uploadID)
}

// CreateMultipartUpload allocates an upload ID and registers its
// session.
func (s *Storage) CreateMultipartUpload(path, filename, encodedFilename, mimeType string) string {
	return s.multipart.Create(path, filename, encodedFilename, mimeType)
}

// UploadPart streams a single part to disk, touching the session's
// activity timestamp before the write starts. The timestamp is not
// refreshed during the write, so a write that outlasts the TTL can
// still have its session swept.
func (s *Storage) UploadPart(uploadID string, partNumber int, body io.Reader) error {
	if _, ok := s.multipart.Touch(uploadID); !ok {
		return ErrInvalidUploadID
	}

	partPath := s.blobs.PartPath(uploadID, partNumber)
	return s.blobs.Write(partPath, body, true)
}

// CompleteMultipartUpload merges all uploaded parts into the final
// object, inserts its metadata, and removes the multipart directory.
func (s *Storage) CompleteMultipartUpload(uploadID string) error {
	session, ok := s.multipart.Remove(uploadID)
	if !ok {
		return ErrInvalidUploadID
	}

	internalFilename := InternalFilenameFor(session.Path)

	size, err := s.blobs.MergePartialUploads(uploadID, internalFilename)
	if err != nil {
		return fmt.Errorf("storage: complete_multipart_upload %q: %w", uploadID, err)
	}

	obj := &Object{
		Path:             session.Path,
		ContentSize:      size,
		MimeType:         session.MimeType,
		InternalFilename: internalFilename,
		Filename:         session.Filename,
		EncodedFilename:  session.EncodedFilename,
	}
	if err := s.metadata.Insert(obj); err != nil {
		return err
	}

	if err := s.blobs.Delete(uploadID, true); err != nil {
		s.logger.Error().Err(err).Str("upload_id", uploadID).Msg("failed to remove multipart directory after completion")
	}

	return nil
}

// AbortMultipartUpload removes the session and its on-disk parts,
// tolerating an already-missing directory.
func (s *Storage) AbortMultipartUpload(uploadID string) error {
	s.multipart.Remove(uploadID)

	if err := s.blobs.Delete(uploadID, true); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("storage: abort_multipart_upload %q: %w", uploadID, err)
	}
	return nil
}

// DeleteObject deletes path's blob and metadata row.
func (s *Storage) DeleteObject(path string) error {
	obj, err := s.metadata.GetByPath(path)
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(obj.InternalFilename, false); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("storage: delete_object %q: %w", path, err)
	}

	return s.metadata.Delete(obj)
}

// InternalFilenameFor computes BLAKE3(path) as a 64-character hex
// string, the on-disk address of path's blob. Exported so the migrate
// CLI command can precompute a blob's destination filename before
// handing the file to blobstore.Store.AdoptFile.
func InternalFilenameFor(path string) string {
	h := blake3.New()
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil))
}
