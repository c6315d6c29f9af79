// Package delivery builds upload descriptions for staged objects and posts
// object bytes to the downstream loader endpoint.
package delivery

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/consts"
	"lukechampine.com/blake3"
)

// UnknownUploader is used when the key has no uploader folder.
const UnknownUploader = "unknown"

// UploadSpec describes one delivery. It is built once per transfer and is
// never modified afterwards.
type UploadSpec struct {
	URL          string // endpoint with filename, uploadedBy and stage query parameters
	APIKeyHeader string
	APIKey       string
	Filename     string
	UploadedBy   string
	Stage        string
	Size         int64
	Digest       string // hex BLAKE3-256 of the body
}

// Outcome is the result of a delivery that reached the endpoint, or a
// synthesized failure when no attempt did.
type Outcome struct {
	Succeeded  bool
	Size       int64
	Filename   string
	UploadedBy string
	Stage      string
	StatusCode int
	Message    string
	Attempts   int
}

// FailedOutcome describes a delivery for which no response was ever received.
func FailedOutcome(spec UploadSpec, attempts int, err error) Outcome {
	o := Outcome{
		Size:       spec.Size,
		Filename:   spec.Filename,
		UploadedBy: spec.UploadedBy,
		Stage:      spec.Stage,
		Attempts:   attempts,
	}
	if err != nil {
		o.Message = err.Error()
	}
	return o
}

// Builder creates UploadSpecs for one configured endpoint.
type Builder struct {
	endpoint     *url.URL
	apiKey       string
	apiKeyHeader string
}

func NewBuilder(cfg config.DeliveryConfig, apiKey string) (*Builder, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid delivery url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid delivery url %q: scheme must be http or https", cfg.URL)
	}
	return &Builder{
		endpoint:     u,
		apiKey:       apiKey,
		apiKeyHeader: cfg.GetAPIKeyHeaderWithDefault(),
	}, nil
}

// Build describes the delivery of the object stored under key. When size is
// not positive the notification carried none and len(body) is used.
func (b *Builder) Build(key, stage string, size int64, body []byte) (UploadSpec, error) {
	filename, uploadedBy, err := ParseKey(key)
	if err != nil {
		return UploadSpec{}, err
	}
	if size <= 0 {
		size = int64(len(body))
	}

	u := *b.endpoint
	q := u.Query()
	q.Set("filename", filename)
	q.Set("uploadedBy", uploadedBy)
	q.Set("stage", stage)
	u.RawQuery = q.Encode()

	sum := blake3.Sum256(body)
	return UploadSpec{
		URL:          u.String(),
		APIKeyHeader: b.apiKeyHeader,
		APIKey:       b.apiKey,
		Filename:     filename,
		UploadedBy:   uploadedBy,
		Stage:        stage,
		Size:         size,
		Digest:       hex.EncodeToString(sum[:]),
	}, nil
}

// ParseKey splits an object key into its file name (last segment) and
// uploader (first segment, when the key has more than one). A key made only
// of slashes is used as the file name as is.
func ParseKey(key string) (filename, uploadedBy string, err error) {
	if key == "" {
		return "", "", fmt.Errorf("%w: empty object key", consts.ErrInvalidRequest)
	}
	trimmed := strings.Trim(key, "/")
	if trimmed == "" {
		return key, UnknownUploader, nil
	}
	filename = path.Base(trimmed)
	uploadedBy = UnknownUploader
	if first, _, found := strings.Cut(trimmed, "/"); found && first != "" {
		uploadedBy = first
	}
	return filename, uploadedBy, nil
}
