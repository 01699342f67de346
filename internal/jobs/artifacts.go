package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
)

type artifactStore interface {
	Store(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// artifactStores bundles the configured destinations. The local directory
// is always available; S3 only when a bucket is configured.
type artifactStores struct {
	local artifactStore
	s3    artifactStore
}

func newArtifactStores(ctx context.Context, cfg config.Config) (artifactStores, error) {
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}

	stores := artifactStores{local: &localArtifactStore{baseDir: baseDir}}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return artifactStores{}, err
		}
		stores.s3 = &s3ArtifactStore{client: client, bucket: cfg.ArtifactS3Bucket}
	}
	return stores, nil
}

// pick chooses the store for a destination name. Unknown names fall back
// to the local store rather than failing a finished job.
func (s artifactStores) pick(destination string) (artifactStore, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if s.s3 != nil {
			return s.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local", "":
		if s.local != nil {
			return s.local, nil
		}
	}
	if s.local != nil {
		return s.local, nil
	}
	return nil, errors.New("no artifact store configured")
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localArtifactStore struct {
	baseDir string
}

func (l *localArtifactStore) Store(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3ArtifactStore struct {
	client *s3.Client
	bucket string
}

func (s *s3ArtifactStore) Store(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
