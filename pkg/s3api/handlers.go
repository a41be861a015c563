package s3api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hideki0403/ofuton-go/pkg/apperror"
	"github.com/hideki0403/ofuton-go/pkg/contentdisposition"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

// objectPath returns the "/"-prefixed object path captured by the
// router's wildcard route, or a *apperror.HTTPError if it's empty.
func objectPath(r *http.Request) (string, error) {
	path := chi.URLParam(r, "*")
	if path == "" {
		return "", apperror.BadRequest("object path must not be empty")
	}
	return "/" + path, nil
}

// handleRead serves GET and HEAD on an object path: component 4.H.
func handleRead(store *storage.Storage) apperror.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		path, err := objectPath(r)
		if err != nil {
			return err
		}

		result, err := store.GetObject(path, r.Method == http.MethodGet)
		if errors.Is(err, storage.ErrNotFound) {
			return apperror.NotFound("object not found")
		}
		if err != nil {
			return fmt.Errorf("s3api: read %q: %w", path, err)
		}

		header := w.Header()
		header.Set("Cache-Control", "max-age=31536000, immutable")
		header.Set("Content-Type", result.Metadata.MimeType)
		header.Set("ETag", fmt.Sprintf("%q", result.Metadata.InternalFilename))
		header.Set("Accept-Ranges", "bytes")
		disposition := "inline"
		if parts := contentdisposition.Build(result.Metadata.Filename, result.Metadata.EncodedFilename); parts != "" {
			disposition += "; " + parts
		}
		header.Set("Content-Disposition", disposition)

		if r.Method == http.MethodHead {
			header.Set("Content-Length", strconv.FormatUint(result.Metadata.ContentSize, 10))
			w.WriteHeader(http.StatusOK)
			return nil
		}

		defer result.File.Close()
		http.ServeContent(w, r, "", time.Time{}, result.File)
		return nil
	}
}

// handleWrite classifies a write request by (method, has uploadId)
// per component 4.G and dispatches to the matching operation.
func handleWrite(store *storage.Storage) apperror.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		path, err := objectPath(r)
		if err != nil {
			return err
		}

		state := multipartStateFromContext(r.Context())
		hasUploadID := state.UploadID != ""

		switch {
		case r.Method == http.MethodPut && !hasUploadID:
			return putObject(store, path, r, w)
		case r.Method == http.MethodPut && hasUploadID:
			return uploadPart(store, state, r, w)
		case r.Method == http.MethodPost && !hasUploadID:
			return createMultipartUpload(store, path, r, w)
		case r.Method == http.MethodPost && hasUploadID:
			return completeMultipartUpload(store, state, r, w)
		case r.Method == http.MethodDelete && !hasUploadID:
			return deleteObject(store, path, w)
		case r.Method == http.MethodDelete && hasUploadID:
			return abortMultipartUpload(store, state, w)
		default:
			return apperror.BadRequest("unsupported operation for %s", r.Method)
		}
	}
}

func putObject(store *storage.Storage, path string, r *http.Request, w http.ResponseWriter) error {
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	contentSize := r.ContentLength
	if contentSize < 0 {
		contentSize = 0
	}

	disposition := contentdisposition.Parse(r.Header.Get("Content-Disposition"))

	err := store.PutObject(storage.PutObjectInput{
		Path:            path,
		Filename:        disposition.Filename,
		EncodedFilename: disposition.EncodedFilename,
		MimeType:        mimeType,
		ContentSize:     uint64(contentSize),
		Body:            r.Body,
	})
	if errors.Is(err, storage.ErrConflict) {
		return apperror.BadRequest("object %q already exists", path)
	}
	if err != nil {
		return fmt.Errorf("s3api: put_object %q: %w", path, err)
	}

	w.WriteHeader(http.StatusCreated)
	return nil
}

func createMultipartUpload(store *storage.Storage, path string, r *http.Request, w http.ResponseWriter) error {
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	disposition := contentdisposition.Parse(r.Header.Get("Content-Disposition"))

	uploadID := store.CreateMultipartUpload(path, disposition.Filename, disposition.EncodedFilename, mimeType)

	bucket, key := splitBucketKey(path)
	return writeXML(w, http.StatusOK, InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	})
}

func uploadPart(store *storage.Storage, state *MultipartState, r *http.Request, w http.ResponseWriter) error {
	if !state.IsRegistered || state.PartNumber == nil {
		return apperror.BadRequest("uploadId and partNumber are required")
	}

	if err := store.UploadPart(state.UploadID, *state.PartNumber, r.Body); err != nil {
		if errors.Is(err, storage.ErrInvalidUploadID) {
			return apperror.BadRequest("unknown or expired upload id %q", state.UploadID)
		}
		return fmt.Errorf("s3api: upload_part %q part %d: %w", state.UploadID, *state.PartNumber, err)
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", uuid.NewString()))
	w.WriteHeader(http.StatusOK)
	return nil
}

func completeMultipartUpload(store *storage.Storage, state *MultipartState, r *http.Request, w http.ResponseWriter) error {
	if !state.IsRegistered {
		return apperror.BadRequest("unknown or expired upload id %q", state.UploadID)
	}

	if err := store.CompleteMultipartUpload(state.UploadID); err != nil {
		if errors.Is(err, storage.ErrInvalidUploadID) {
			return apperror.BadRequest("unknown or expired upload id %q", state.UploadID)
		}
		return fmt.Errorf("s3api: complete_multipart_upload %q: %w", state.UploadID, err)
	}

	path, err := objectPath(r)
	if err != nil {
		return err
	}
	bucket, key := splitBucketKey(path)

	return writeXML(w, http.StatusOK, CompleteMultipartUploadResult{
		Location: locationWithoutQuery(r),
		Bucket:   bucket,
		Key:      key,
		ETag:     fmt.Sprintf("%q", uuid.NewString()),
	})
}

func abortMultipartUpload(store *storage.Storage, state *MultipartState, w http.ResponseWriter) error {
	if err := store.AbortMultipartUpload(state.UploadID); err != nil {
		return fmt.Errorf("s3api: abort_multipart_upload %q: %w", state.UploadID, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func deleteObject(store *storage.Storage, path string, w http.ResponseWriter) error {
	err := store.DeleteObject(path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("s3api: delete_object %q: %w", path, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func locationWithoutQuery(r *http.Request) string {
	return r.URL.Path
}

func writeXML(w http.ResponseWriter, status int, v any) error {
	output, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("s3api: marshal xml response: %w", err)
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(output)
	return nil
}
