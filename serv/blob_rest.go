package serv

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/go-resty/resty/v2"
	"github.com/wildoasis/dashcache/core"
)

// RestBlobStore uploads blobs to the storage API that sits next to the
// PostgREST endpoint. Uploaded objects are served from
// {publicURL}/storage/v1/object/public/{bucket}/{path}.
type RestBlobStore struct {
	client    *resty.Client
	publicURL string
}

// NewRestBlobStore creates a blob store for the project at baseURL.
// publicURL defaults to baseURL.
func NewRestBlobStore(baseURL, publicURL, apiKey, token string, timeout time.Duration) *RestBlobStore {
	if publicURL == "" {
		publicURL = baseURL
	}
	return &RestBlobStore{
		client:    newRestClient(baseURL, apiKey, token, timeout),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func objectPath(bucket, path string) string {
	return url.PathEscape(bucket) + "/" + url.PathEscape(path)
}

// Upload stores blob under bucket/path. Existing objects are not replaced.
func (s *RestBlobStore) Upload(ctx context.Context, bucket, path string, blob core.Blob) error {
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	res, err := s.client.R().
		SetContext(ctx).
		SetError(&restError{}).
		SetHeader(headers.ContentType, ct).
		SetHeader("x-upsert", "false").
		SetBody(blob.Data).
		Post("/storage/v1/object/" + objectPath(bucket, path))

	return checkResponse(res, err)
}

// PublicPath returns the public URL of an uploaded object
func (s *RestBlobStore) PublicPath(bucket, path string) string {
	return s.publicURL + "/storage/v1/object/public/" + objectPath(bucket, path)
}
