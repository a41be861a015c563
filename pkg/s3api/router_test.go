package s3api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hideki0403/ofuton-go/pkg/blobstore"
	"github.com/hideki0403/ofuton-go/pkg/metadata"
	"github.com/hideki0403/ofuton-go/pkg/signature"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

const testAccessKey = "ofuton"
const testSecretKey = "changeme"

func setupTestRouter(t *testing.T, ttl time.Duration) http.Handler {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE object (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		path              TEXT NOT NULL UNIQUE,
		content_size      INTEGER NOT NULL,
		mime_type         TEXT NOT NULL DEFAULT 'application/octet-stream',
		internal_filename TEXT NOT NULL,
		filename          TEXT,
		encoded_filename  TEXT
	)`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	store := storage.New(metadata.New(db, "sqlite"), blobs, ttl, zerolog.Nop())
	verifier := signature.New(testAccessKey, testSecretKey)

	return NewRouter(store, verifier, 10, zerolog.Nop())
}

// signRequest signs r with AWS SigV4 using the real aws-sdk-go-v2
// signer, so these tests exercise the same signature machinery a real
// S3 client would produce rather than a hand-rolled stand-in.
func signRequest(t *testing.T, r *http.Request, accessKey, secretKey string) {
	t.Helper()

	r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	creds := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	signer := v4.NewSigner()
	if err := signer.SignHTTP(context.Background(), creds, r, "UNSIGNED-PAYLOAD", "s3", "us-east-1", time.Now()); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}
}

func newRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, body)
	r.Host = "ofuton.example.com"
	r.Header.Set("Host", r.Host)
	return r
}

func TestIndexBanner(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	req := newRequest(t, http.MethodGet, "http://ofuton.example.com/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() == "" {
		t.Error("expected a non-empty version banner")
	}
}

func TestRobotsTxt(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	req := newRequest(t, http.MethodGet, "http://ofuton.example.com/robots.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "User-agent: *\nDisallow: /" {
		t.Errorf("unexpected robots.txt body: %q", w.Body.String())
	}
}

func TestReadMissingObjectNotFound(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	req := newRequest(t, http.MethodGet, "http://ofuton.example.com/missing.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPutWithoutSignatureRejected(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	req := newRequest(t, http.MethodPut, "http://ofuton.example.com/a/b.txt", bytes.NewBufferString("hello"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// TestSingleShotPutThenGet covers spec scenario 1.
func TestSingleShotPutThenGet(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	put := newRequest(t, http.MethodPut, "http://ofuton.example.com/a/b.txt", bytes.NewBufferString("hello"))
	put.Header.Set("Content-Type", "text/plain")
	put.Header.Set("Content-Length", "5")
	put.ContentLength = 5
	put.Header.Set("Content-Disposition", `attachment; filename="b.txt"`)
	signRequest(t, put, testAccessKey, testSecretKey)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, put)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	get := newRequest(t, http.MethodGet, "http://ofuton.example.com/a/b.txt", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, get)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Errorf("expected body %q, got %q", "hello", w.Body.String())
	}
	if disposition := w.Header().Get("Content-Disposition"); disposition != `inline; filename="b.txt"` {
		t.Errorf("unexpected Content-Disposition: %q", disposition)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("expected a non-empty ETag")
	}
}

// TestMultipartLifecycle covers spec scenario 2.
func TestMultipartLifecycle(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	create := newRequest(t, http.MethodPost, "http://ofuton.example.com/a/c.bin", nil)
	signRequest(t, create, testAccessKey, testSecretKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, create)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from create, got %d: %s", w.Code, w.Body.String())
	}

	var initiated InitiateMultipartUploadResult
	if err := xml.Unmarshal(w.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("failed to parse InitiateMultipartUploadResult: %v", err)
	}
	if initiated.UploadID == "" {
		t.Fatal("expected a non-empty UploadId")
	}

	for partNumber, data := range map[int]string{1: "AAA", 2: "BBB"} {
		target := "http://ofuton.example.com/a/c.bin?uploadId=" + initiated.UploadID
		part := newRequest(t, http.MethodPut, target, bytes.NewBufferString(data))
		part.URL.RawQuery += "&partNumber=" + strconv.Itoa(partNumber)
		signRequest(t, part, testAccessKey, testSecretKey)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, part)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 from upload part %d, got %d: %s", partNumber, w.Code, w.Body.String())
		}
	}

	complete := newRequest(t, http.MethodPost, "http://ofuton.example.com/a/c.bin?uploadId="+initiated.UploadID, nil)
	signRequest(t, complete, testAccessKey, testSecretKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, complete)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from complete, got %d: %s", w.Code, w.Body.String())
	}

	get := newRequest(t, http.MethodGet, "http://ofuton.example.com/a/c.bin", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, get)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "AAABBB" {
		t.Errorf("expected merged body %q, got %q", "AAABBB", w.Body.String())
	}
	if w.Header().Get("Content-Length") != "6" {
		t.Errorf("expected Content-Length 6, got %q", w.Header().Get("Content-Length"))
	}
}

// TestAbortMultipartUploadRemovesSession covers spec scenario 3's
// registry half (the on-disk half is covered in pkg/blobstore).
func TestAbortMultipartUploadRemovesSession(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	create := newRequest(t, http.MethodPost, "http://ofuton.example.com/a/d.bin", nil)
	signRequest(t, create, testAccessKey, testSecretKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, create)

	var initiated InitiateMultipartUploadResult
	xml.Unmarshal(w.Body.Bytes(), &initiated)

	abort := newRequest(t, http.MethodDelete, "http://ofuton.example.com/a/d.bin?uploadId="+initiated.UploadID, nil)
	signRequest(t, abort, testAccessKey, testSecretKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, abort)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// The aborted upload id is no longer registered, so a part upload
	// against it is rejected.
	part := newRequest(t, http.MethodPut, "http://ofuton.example.com/a/d.bin?uploadId="+initiated.UploadID+"&partNumber=1", bytes.NewBufferString("x"))
	signRequest(t, part, testAccessKey, testSecretKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, part)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected part upload after abort to be rejected with 400, got %d", w.Code)
	}

	// A second abort of the same (now-unregistered) id is still
	// tolerated: abort never requires is_registered.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, abort)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected repeated abort to stay 204, got %d", w.Code)
	}
}

func TestRangeRequestYieldsPartialContent(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	put := newRequest(t, http.MethodPut, "http://ofuton.example.com/range.txt", bytes.NewBufferString("0123456789"))
	put.ContentLength = 10
	signRequest(t, put, testAccessKey, testSecretKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, put)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	get := newRequest(t, http.MethodGet, "http://ofuton.example.com/range.txt", nil)
	get.Header.Set("Range", "bytes=0-")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, get)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", w.Code)
	}
	if w.Body.String() != "0123456789" {
		t.Errorf("expected full body for bytes=0-, got %q", w.Body.String())
	}
}

func TestHeadNeverIncludesBody(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	put := newRequest(t, http.MethodPut, "http://ofuton.example.com/head.txt", bytes.NewBufferString("hello"))
	put.ContentLength = 5
	signRequest(t, put, testAccessKey, testSecretKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, put)

	head := newRequest(t, http.MethodHead, "http://ofuton.example.com/head.txt", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, head)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body for HEAD, got %q", w.Body.String())
	}
	if w.Header().Get("Content-Length") != "5" {
		t.Errorf("expected Content-Length 5, got %q", w.Header().Get("Content-Length"))
	}
}

func TestEmptyObjectPathIsBadRequest(t *testing.T) {
	router := setupTestRouter(t, time.Hour)

	req := newRequest(t, http.MethodPut, "http://ofuton.example.com/", bytes.NewBufferString("x"))
	signRequest(t, req, testAccessKey, testSecretKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
