package proof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxSize is the largest proof file accepted.
const MaxSize = 10 << 20

var (
	ErrDisabled        = errors.New("proof uploads not configured")
	ErrUnsupportedType = errors.New("unsupported proof file type")
)

// allowedTypes maps accepted content types to the extension used in object keys.
var allowedTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// PublicURL is the base URL objects are served from. Defaults to
	// Endpoint/Bucket.
	PublicURL string
}

func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Store uploads loan proof files to a bucket and returns their public URLs.
type Store struct {
	cfg    Config
	client s3Client
}

func New(cfg Config) *Store {
	s := &Store{cfg: cfg}
	if cfg.Enabled() {
		s.client = newS3Client(cfg)
	}
	return s
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (s *Store) Enabled() bool {
	return s.client != nil
}

// ExtensionFor returns the object key extension for an accepted content type.
func ExtensionFor(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := allowedTypes[ct]
	return ext, ok
}

// DetectContentType sniffs the first 512 bytes of f and rewinds it. The
// result does not depend on any client-supplied type.
func DetectContentType(f io.ReadSeeker) (string, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("read proof header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind proof: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}

// Upload stores body under loans/<loanID>/<uuid><ext> and returns the public URL.
func (s *Store) Upload(ctx context.Context, loanID int64, contentType string, body io.Reader, size int64) (string, error) {
	if s.client == nil {
		return "", ErrDisabled
	}
	ext, ok := ExtensionFor(contentType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	key := fmt.Sprintf("loans/%d/%s%s", loanID, uuid.NewString(), ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload proof: %w", err)
	}
	return s.URL(key), nil
}

// Delete removes an uploaded object, used when recording the proof fails.
func (s *Store) Delete(ctx context.Context, url string) error {
	if s.client == nil {
		return ErrDisabled
	}
	key := strings.TrimPrefix(url, s.baseURL()+"/")
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete proof: %w", err)
	}
	return nil
}

func (s *Store) URL(key string) string {
	return s.baseURL() + "/" + key
}

func (s *Store) baseURL() string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
}
