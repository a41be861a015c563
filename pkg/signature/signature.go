// Package signature verifies AWS Signature Version 4 (AWS4-HMAC-SHA256)
// request signatures against a single configured access/secret key
// pair.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/hideki0403/ofuton-go/internal/logging"
	"github.com/hideki0403/ofuton-go/pkg/apperror"
)

// ErrInvalidSignature is returned for every rejection reason; callers
// respond 403 Forbidden uniformly and log the underlying cause.
var ErrInvalidSignature = errors.New("signature: invalid or missing signature")

const algorithm = "AWS4-HMAC-SHA256"

// Verifier checks AWS4-HMAC-SHA256 signatures against one access key
// / secret key pair.
type Verifier struct {
	accessKey string
	secretKey string
}

// New returns a Verifier for the given credentials.
func New(accessKey, secretKey string) *Verifier {
	return &Verifier{accessKey: accessKey, secretKey: secretKey}
}

// Verify checks r's Authorization header against the configured
// credentials. It returns ErrInvalidSignature (wrapped with a reason)
// on any failure.
func (v *Verifier) Verify(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("%w: missing Authorization header", ErrInvalidSignature)
	}

	cred, signedHeaders, signature, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	credParts := strings.Split(cred, "/")
	if len(credParts) != 5 {
		return fmt.Errorf("%w: malformed Credential scope", ErrInvalidSignature)
	}
	accessKey, date, region, service := credParts[0], credParts[1], credParts[2], credParts[3]

	if accessKey != v.accessKey {
		return fmt.Errorf("%w: unknown access key", ErrInvalidSignature)
	}

	// net/http moves Host out of the header map on incoming requests,
	// and a request built in-process may carry its length only in
	// ContentLength; both are put back before signed values are read.
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Host") == "" {
		header.Set("Host", r.Host)
	}
	if header.Get("Content-Length") == "" && r.ContentLength > 0 {
		header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}

	canonicalQuery := canonicalQueryString(r.URL.Query())
	canonicalHeaders, signedHeadersJoined := canonicalHeaders(header, signedHeaders)

	contentHash := r.Header.Get("X-Amz-Content-Sha256")
	if contentHash == "" {
		contentHash = "UNSIGNED-PAYLOAD"
	}

	canonicalRequest := strings.Join([]string{
		r.Method,
		r.URL.EscapedPath(),
		canonicalQuery,
		canonicalHeaders,
		signedHeadersJoined,
		contentHash,
	}, "\n")

	amzDate := r.Header.Get("X-Amz-Date")
	credentialScope := strings.Join([]string{date, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(sha256Sum(canonicalRequest)),
	}, "\n")

	signingKey := v.signingKey(date, region, service)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}

	return nil
}

// signingKey derives kSigning = HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
func (v *Verifier) signingKey(date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+v.secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Sum(data string) []byte {
	sum := sha256.Sum256([]byte(data))
	return sum[:]
}

// parseAuthorizationHeader extracts Credential, SignedHeaders (as an
// ordered list), and Signature from an "AWS4-HMAC-SHA256 k=v, k=v, ..."
// header value.
func parseAuthorizationHeader(header string) (credential string, signedHeaders []string, signature string, err error) {
	prefix := algorithm + " "
	if !strings.HasPrefix(header, prefix) {
		return "", nil, "", errors.New("unsupported authorization scheme")
	}

	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), ", ") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = kv[1]
	}

	credential = params["Credential"]
	signature = params["Signature"]
	if credential == "" || signature == "" || params["SignedHeaders"] == "" {
		return "", nil, "", errors.New("missing Credential, SignedHeaders, or Signature")
	}

	signedHeaders = strings.Split(params["SignedHeaders"], ";")
	return credential, signedHeaders, signature, nil
}

// canonicalQueryString percent-encodes and sorts every query pair
// except X-Amz-Signature, joining the result with "&".
func canonicalQueryString(query url.Values) string {
	var pairs []string
	for key, values := range query {
		if key == "X-Amz-Signature" {
			continue
		}
		for _, value := range values {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders builds the "name:value\n"-per-line canonical header
// block for signedHeaders, in the order given, plus the ";"-joined
// signed header list. Header lookups are case-insensitive, matching
// http.Header.Get.
func canonicalHeaders(header http.Header, signedHeaders []string) (canonical string, joined string) {
	lower := make([]string, len(signedHeaders))
	var sb strings.Builder
	for i, name := range signedHeaders {
		lower[i] = strings.ToLower(name)
		sb.WriteString(lower[i])
		sb.WriteString(":")
		sb.WriteString(header.Get(name))
		sb.WriteString("\n")
	}
	return sb.String(), strings.Join(lower, ";")
}

// Middleware returns an http.Handler wrapping next that rejects
// requests failing Verify with 403 Forbidden.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			logging.FromContext(r.Context()).Debug().Err(err).Msg("rejecting request with invalid signature")
			forbidden := apperror.Forbidden("Forbidden: Invalid signature")
			http.Error(w, forbidden.Message, forbidden.Status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
