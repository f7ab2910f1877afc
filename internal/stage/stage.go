// Package stage resolves non-local input/output URLs (s3://, minio://,
// http(s)://) declared on a task's IOMapping list into local files the
// ShellAdapter can stage with a plain Transport.Put/Get, and publishes
// fetched outputs back out to those same remote destinations. File-
// local inputs/outputs never reach this package; spec.md's staging
// operation only needs it for the non-local schemes.
package stage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gc3pie/gc3core/internal/gcerror"
)

// Config configures one Stager.
type Config struct {
	// CacheDir holds downloaded inputs until the caller copies them
	// into a task's working directory; defaults to os.TempDir() plus a
	// "gc3-stage" subdirectory.
	CacheDir string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	HTTPClient *resty.Client
}

// Stager resolves and publishes the object-storage and HTTP(S) schemes
// spec.md §4.5 calls out as needing staging before/after a local run.
type Stager struct {
	cfg  Config
	http *resty.Client
	s3   *minio.Client // lazily built on first s3:// use, nil until then
}

// New builds a Stager. The S3 client is constructed lazily (only once
// an s3:// or minio:// URL is actually seen) so a Stager with no
// object-storage config can still serve HTTP-only workloads.
func New(cfg Config) *Stager {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "gc3-stage")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resty.New()
	}
	return &Stager{cfg: cfg, http: httpClient}
}

func (s *Stager) s3Client() (*minio.Client, error) {
	if s.s3 != nil {
		return s.s3, nil
	}
	if s.cfg.S3Endpoint == "" {
		return nil, gcerror.Newf(gcerror.KindConfig, "stage: no S3 endpoint configured")
	}
	c, err := minio.New(s.cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.cfg.S3AccessKey, s.cfg.S3SecretKey, ""),
		Secure: s.cfg.S3UseSSL,
	})
	if err != nil {
		return nil, gcerror.New(gcerror.KindConfig, err)
	}
	s.s3 = c
	return c, nil
}

// Remote reports whether rawURL names a scheme this package resolves;
// callers that see false should treat the URL as a local path (or, for
// file://, strip the prefix themselves).
func Remote(rawURL string) bool {
	scheme, _, ok := splitScheme(rawURL)
	if !ok {
		return false
	}
	switch scheme {
	case "s3", "minio", "http", "https":
		return true
	default:
		return false
	}
}

func splitScheme(rawURL string) (scheme, rest string, ok bool) {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return "", "", false
	}
	return rawURL[:i], rawURL[i+len("://"):], true
}

// FetchInput downloads sourceURL into the Stager's cache directory and
// returns the local path, for a ShellAdapter to Transport.Put from.
func (s *Stager) FetchInput(ctx context.Context, sourceURL string) (string, error) {
	scheme, rest, ok := splitScheme(sourceURL)
	if !ok {
		return "", gcerror.Newf(gcerror.KindConfig, "stage: %q has no scheme", sourceURL)
	}
	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		return "", gcerror.New(gcerror.KindDataStaging, err)
	}
	local := filepath.Join(s.cfg.CacheDir, sanitizeName(rest))

	switch scheme {
	case "s3", "minio":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return "", err
		}
		cli, err := s.s3Client()
		if err != nil {
			return "", err
		}
		if err := cli.FGetObject(ctx, bucket, key, local, minio.GetObjectOptions{}); err != nil {
			return "", gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: fetch %s: %w", sourceURL, err))
		}
		return local, nil

	case "http", "https":
		f, err := os.Create(local)
		if err != nil {
			return "", gcerror.New(gcerror.KindDataStaging, err)
		}
		defer f.Close()
		resp, err := s.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(sourceURL)
		if err != nil {
			return "", gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: fetch %s: %w", sourceURL, err))
		}
		body := resp.RawBody()
		defer body.Close()
		if resp.StatusCode() >= 300 {
			return "", gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: fetch %s: status %d", sourceURL, resp.StatusCode()))
		}
		if _, err := io.Copy(f, body); err != nil {
			return "", gcerror.New(gcerror.KindDataStaging, err)
		}
		return local, nil

	default:
		return "", gcerror.Newf(gcerror.KindConfig, "stage: unsupported scheme %q", scheme)
	}
}

// PublishOutput uploads the local file at localPath to destURL.
func (s *Stager) PublishOutput(ctx context.Context, localPath, destURL string) error {
	scheme, rest, ok := splitScheme(destURL)
	if !ok {
		return gcerror.Newf(gcerror.KindConfig, "stage: %q has no scheme", destURL)
	}

	switch scheme {
	case "s3", "minio":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return err
		}
		cli, err := s.s3Client()
		if err != nil {
			return err
		}
		if _, err := cli.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{}); err != nil {
			return gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: publish %s: %w", destURL, err))
		}
		return nil

	case "http", "https":
		resp, err := s.http.R().SetContext(ctx).SetFile("file", localPath).Put(destURL)
		if err != nil {
			return gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: publish %s: %w", destURL, err))
		}
		if resp.StatusCode() >= 300 {
			return gcerror.New(gcerror.KindDataStaging, fmt.Errorf("stage: publish %s: status %d", destURL, resp.StatusCode()))
		}
		return nil

	default:
		return gcerror.Newf(gcerror.KindConfig, "stage: unsupported scheme %q", scheme)
	}
}

func splitBucketKey(rest string) (bucket, key string, err error) {
	u, parseErr := url.Parse("s3://" + rest)
	if parseErr != nil || u.Host == "" {
		return "", "", gcerror.Newf(gcerror.KindConfig, "stage: malformed s3 URL %q", rest)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func sanitizeName(rest string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_")
	return r.Replace(rest)
}
