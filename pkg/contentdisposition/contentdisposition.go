// Package contentdisposition parses and builds the RFC 8187-flavored
// Content-Disposition header fragments this service stores alongside
// an object ("filename=..." and "filename*=UTF-8''...").
package contentdisposition

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var encodedFilenameRe = regexp.MustCompile(`(?i)filename\*=utf-?8''([^;]*)`)

// Parsed holds the two independently-extracted display-name forms.
type Parsed struct {
	Filename        string
	EncodedFilename string
}

// Parse extracts filename and encoded_filename from an inbound
// Content-Disposition header value. Either or both may be empty.
func Parse(header string) Parsed {
	var result Parsed

	if m := encodedFilenameRe.FindStringSubmatch(header); m != nil {
		raw := m[1]
		if decoded, err := url.QueryUnescape(raw); err == nil && decoded == raw {
			// The client sent an already-decoded value where an
			// encoded one was expected; store the encoded form.
			raw = url.QueryEscape(decoded)
		}
		result.EncodedFilename = raw
	}

	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "filename=") {
			continue
		}
		result.Filename = strings.Trim(strings.TrimPrefix(part, "filename="), `"`)
		break
	}

	return result
}

// Build assembles a Content-Disposition value from the stored display
// name forms. An empty filename yields an empty string (emit nothing).
func Build(filename, encodedFilename string) string {
	if filename == "" {
		return ""
	}

	value := fmt.Sprintf(`filename="%s"`, filename)
	if encodedFilename != "" {
		value += fmt.Sprintf(`; filename*=utf-8''%s`, encodedFilename)
	}
	return value
}
