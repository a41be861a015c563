// Package integration exercises the full HTTP surface end to end
// against a real httptest.Server, the same way a SigV4-signing S3
// client would: raw signed requests in, bytes and XML out.
package integration

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
	"github.com/hideki0403/ofuton-go/pkg/s3api"
	"github.com/hideki0403/ofuton-go/pkg/signature"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

const accessKey = "ofuton"
const secretKey = "changeme"

func setupIntegrationTest(t *testing.T) *httptest.Server {
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

	store := storage.New(metadata.New(db, "sqlite"), blobs, time.Hour, zerolog.Nop())
	verifier := signature.New(accessKey, secretKey)
	router := s3api.NewRouter(store, verifier, 10, zerolog.Nop())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func signRequest(t *testing.T, r *http.Request) {
	t.Helper()

	r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	creds := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	signer := v4.NewSigner()
	if err := signer.SignHTTP(context.Background(), creds, r, "UNSIGNED-PAYLOAD", "s3", "us-east-1", time.Now()); err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}
}

func TestFullWorkflow(t *testing.T) {
	server := setupIntegrationTest(t)
	client := server.Client()

	// Unauthenticated read of the version banner.
	resp, err := client.Get(server.URL + "/")
	if err != nil {
		t.Fatalf("failed to fetch banner: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for banner, got %d", resp.StatusCode)
	}

	// Single-shot put.
	body := []byte("Hello, World!")
	put, _ := http.NewRequest(http.MethodPut, server.URL+"/docs/hello.txt", bytes.NewReader(body))
	put.ContentLength = int64(len(body))
	put.Header.Set("Content-Type", "text/plain")
	put.Header.Set("Content-Disposition", `attachment; filename="hello.txt"`)
	signRequest(t, put)

	resp, err = client.Do(put)
	if err != nil {
		t.Fatalf("failed to put object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for put, got %d", resp.StatusCode)
	}

	// Unauthenticated get, with byte-range.
	get, _ := http.NewRequest(http.MethodGet, server.URL+"/docs/hello.txt", nil)
	get.Header.Set("Range", "bytes=7-11")
	resp, err = client.Do(get)
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206 for ranged get, got %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if string(got) != "World" {
		t.Errorf("expected range body %q, got %q", "World", got)
	}
	if disposition := resp.Header.Get("Content-Disposition"); disposition != `inline; filename="hello.txt"` {
		t.Errorf("unexpected Content-Disposition: %q", disposition)
	}

	// Multipart upload.
	create, _ := http.NewRequest(http.MethodPost, server.URL+"/docs/large.bin", nil)
	signRequest(t, create)
	resp, err = client.Do(create)
	if err != nil {
		t.Fatalf("failed to create multipart upload: %v", err)
	}
	var initiated s3api.InitiateMultipartUploadResult
	if err := xml.NewDecoder(resp.Body).Decode(&initiated); err != nil {
		t.Fatalf("failed to decode InitiateMultipartUploadResult: %v", err)
	}
	resp.Body.Close()
	if initiated.UploadID == "" {
		t.Fatal("expected a non-empty UploadId")
	}

	parts := []string{"first-", "second-", "third"}
	for i, data := range parts {
		target := server.URL + "/docs/large.bin?uploadId=" + initiated.UploadID + "&partNumber=" + strconv.Itoa(i+1)
		part, _ := http.NewRequest(http.MethodPut, target, bytes.NewBufferString(data))
		part.ContentLength = int64(len(data))
		signRequest(t, part)

		resp, err := client.Do(part)
		if err != nil {
			t.Fatalf("failed to upload part %d: %v", i+1, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for part %d, got %d", i+1, resp.StatusCode)
		}
	}

	complete, _ := http.NewRequest(http.MethodPost, server.URL+"/docs/large.bin?uploadId="+initiated.UploadID, nil)
	signRequest(t, complete)
	resp, err = client.Do(complete)
	if err != nil {
		t.Fatalf("failed to complete multipart upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for complete, got %d", resp.StatusCode)
	}

	get, _ = http.NewRequest(http.MethodGet, server.URL+"/docs/large.bin", nil)
	resp, err = client.Do(get)
	if err != nil {
		t.Fatalf("failed to get merged object: %v", err)
	}
	got, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read merged object: %v", err)
	}
	if string(got) != "first-second-third" {
		t.Errorf("expected merged body %q, got %q", "first-second-third", got)
	}

	// Delete and confirm it's gone.
	del, _ := http.NewRequest(http.MethodDelete, server.URL+"/docs/hello.txt", nil)
	signRequest(t, del)
	resp, err = client.Do(del)
	if err != nil {
		t.Fatalf("failed to delete object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d", resp.StatusCode)
	}

	resp, err = client.Get(server.URL + "/docs/hello.txt")
	if err != nil {
		t.Fatalf("failed to re-fetch deleted object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestUnsignedWriteRejected(t *testing.T) {
	server := setupIntegrationTest(t)
	client := server.Client()

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/unsigned.txt", bytes.NewBufferString("x"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("failed to put object: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for unsigned write, got %d", resp.StatusCode)
	}
}
