package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/beatgen/api/internal/config"
)

// StorageClient is the object storage surface the mirror uploads through
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	GetPublicURL(key string) string
}

// Finished artifacts are keyed by job id and never rewritten.
const artifactCacheControl = "public, max-age=31536000, immutable"

// R2Client uploads export artifacts to a Cloudflare R2 bucket
type R2Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
}

// NewR2Client builds an S3 client pointed at the account's R2 endpoint
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	var missing []string
	for name, value := range map[string]string{
		"account_id":        cfg.AccountID,
		"access_key_id":     cfg.AccessKeyID,
		"secret_access_key": cfg.SecretAccessKey,
		"bucket_name":       cfg.BucketName,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("r2 configuration incomplete: missing %s", strings.Join(missing, ", "))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &R2Client{
		s3Client:   client,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Upload stores body under key and returns its public URL
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucketName),
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(artifactCacheControl),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return c.GetPublicURL(key), nil
}

// GetPublicURL prefers the configured CDN domain over the bucket endpoint
func (c *R2Client) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", c.bucketName, key)
}

var contentTypes = map[string]string{
	".mid": "audio/midi",
	".wav": "audio/wav",
}

// ArtifactMirror copies finished results into object storage under a prefix.
type ArtifactMirror struct {
	storage StorageClient
	prefix  string
}

func NewArtifactMirror(storage StorageClient, prefix string) *ArtifactMirror {
	return &ArtifactMirror{storage: storage, prefix: prefix}
}

// Mirror uploads the file at localPath and returns its public URL.
func (m *ArtifactMirror) Mirror(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	name := filepath.Base(localPath)
	contentType, ok := contentTypes[filepath.Ext(name)]
	if !ok {
		contentType = "application/octet-stream"
	}
	return m.storage.Upload(ctx, path.Join(m.prefix, name), f, contentType)
}
