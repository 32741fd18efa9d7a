// Package attachments keeps chat uploads in an S3-compatible bucket under content-addressed keys.
package attachments

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

const (
	KindImage = "image"
	KindFile  = "file"

	DefaultMaxBytes = 10 << 20
	DefaultURLTTL   = time.Hour
	maxExtLength    = 10
	keyPrefix       = "conversations/"
)

var ErrTooLarge = errors.New("attachment too large")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	MaxBytes  int64
	URLTTL    time.Duration
}

// Attachment describes a stored upload. Key is what a client puts on the message it
// sends next; URL is a short-lived link for previewing it before sending.
type Attachment struct {
	URL         string `json:"url"`
	Type        string `json:"type"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type Store struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
	urlTTL   time.Duration
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Store{client: client, bucket: cfg.Bucket, maxBytes: maxBytes, urlTTL: ttl}, nil
}

// MaxBytes is the upload limit; handlers use it to bound request bodies.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// EnsureBucket creates the bucket on first start.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Info("created attachment bucket", "bucket", s.bucket)
	return nil
}

// Upload stores the file unless identical bytes already exist for the conversation,
// then returns a presigned URL for it.
func (s *Store) Upload(ctx context.Context, conversationID, filename, contentType string, body io.Reader) (Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Attachment{}, ErrTooLarge
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	key := ObjectKey(conversationID, data, filename)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return Attachment{}, fmt.Errorf("stat %s: %w", key, err)
		}
		_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return Attachment{}, fmt.Errorf("put %s: %w", key, err)
		}
	}

	signed, err := s.SignURL(ctx, key)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{
		URL:         signed,
		Type:        Kind(contentType),
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// SignURL returns a GET link for key valid for the configured TTL. Messages keep the key and
// are signed again every time they are read, so links never outlive their history.
func (s *Store) SignURL(ctx context.Context, key string) (string, error) {
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return signed.String(), nil
}

// Ping checks the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// ObjectKey is conversations/{id}/{blake2b-256 of the bytes}{ext}.
func ObjectKey(conversationID string, data []byte, filename string) string {
	sum := blake2b.Sum256(data)
	return keyPrefix + conversationID + "/" + hex.EncodeToString(sum[:]) + extension(filename)
}

// IsKey reports whether value looks like an object key rather than an absolute URL.
func IsKey(value string) bool {
	return strings.HasPrefix(value, keyPrefix)
}

// KeyBelongsTo reports whether key is a well-formed ObjectKey of conversationID.
func KeyBelongsTo(key, conversationID string) bool {
	prefix := keyPrefix + conversationID + "/"
	if conversationID == "" || !strings.HasPrefix(key, prefix) {
		return false
	}
	digest, ext := strings.TrimPrefix(key, prefix), ""
	if i := strings.IndexByte(digest, '.'); i >= 0 {
		digest, ext = digest[:i], digest[i:]
	}
	if len(digest) != 2*blake2b.Size256 {
		return false
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return false
	}
	return ext == "" || extension(ext) == ext
}

// Kind maps a MIME type onto the attachment types messages accept.
func Kind(contentType string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return KindImage
	}
	return KindFile
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > maxExtLength {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
