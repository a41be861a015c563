// Package s3api wires the storage façade, SigV4 verifier, and
// multipart state into the service's HTTP surface: an unauthenticated
// read path and a SigV4-guarded write path, both rooted at the object
// path wildcard route.
package s3api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hideki0403/ofuton-go/internal/logging"
	"github.com/hideki0403/ofuton-go/pkg/apperror"
	"github.com/hideki0403/ofuton-go/pkg/signature"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

const version = "1.0.0"
const repositoryURL = "https://github.com/hideki0403/ofuton-go"

// NewRouter assembles the full HTTP surface: the unauthenticated
// read/banner routes, and the SigV4-guarded write routes with their
// body-size limit and multipart-state middleware.
func NewRouter(store *storage.Storage, verifier *signature.Verifier, maxUploadSizeMB uint64, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware(logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ofuton v%s - %s", version, repositoryURL)
	})
	r.Get("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /")
	})

	readHandler := apperror.WrapHandler(handleRead(store))
	r.Get("/*", readHandler)
	r.Head("/*", readHandler)

	maxUploadSize := int64(maxUploadSizeMB) * 1024 * 1024
	writeHandler := apperror.WrapHandler(handleWrite(store))

	r.Group(func(r chi.Router) {
		r.Use(bodySizeLimitMiddleware(maxUploadSize))
		r.Use(verifier.Middleware)
		r.Use(MultipartStateMiddleware(store))

		r.Put("/*", writeHandler)
		r.Post("/*", writeHandler)
		r.Delete("/*", writeHandler)
	})

	return r
}

// bodySizeLimitMiddleware caps a write request's body at maxBytes,
// matching bucket.max_upload_size_mb. A non-positive limit disables
// the check.
func bodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
