package s3api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hideki0403/ofuton-go/pkg/storage"
)

// MultipartState is the parsed uploadId/partNumber state of a write
// request, attached to its context by MultipartStateMiddleware so
// dispatch handlers never need to touch the multipart registry's lock
// themselves.
type MultipartState struct {
	IsRegistered bool
	UploadID     string
	PartNumber   *int
}

type multipartStateKey struct{}

// MultipartStateMiddleware parses the uploadId/partNumber query
// parameters and looks uploadId up in store's registry once per
// request, attaching the result to the request context.
func MultipartStateMiddleware(store *storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			uploadID := query.Get("uploadId")

			state := &MultipartState{UploadID: uploadID}
			if uploadID != "" {
				state.IsRegistered = store.IsMultipartRegistered(uploadID)
			}
			if raw := query.Get("partNumber"); raw != "" {
				if n, err := strconv.Atoi(raw); err == nil {
					state.PartNumber = &n
				}
			}

			ctx := context.WithValue(r.Context(), multipartStateKey{}, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func multipartStateFromContext(ctx context.Context) *MultipartState {
	state, _ := ctx.Value(multipartStateKey{}).(*MultipartState)
	if state == nil {
		return &MultipartState{}
	}
	return state
}
