package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hostedops/deployoor/pkg/config"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
}

// NewS3 creates a Store backed by S3-compatible storage.
func NewS3(log logrus.FieldLogger, cfg *config.S3ArtifactConfig) Store {
	return &s3Store{
		log:    log.WithField("component", "artifact"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
	}
}

func newS3Client(cfg *config.S3ArtifactConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)
		}
	})
}

func (s *s3Store) put(ctx context.Context, key string, pkg []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(pkg),
	})
	if err != nil {
		return fmt.Errorf("writing package %q: %w", key, err)
	}

	return nil
}

func (s *s3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading package %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading package %q: %w", key, err)
	}

	return data, nil
}

func (s *s3Store) Put(
	ctx context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion, pkg []byte,
) error {
	return s.put(ctx, versionKey(id, version), pkg)
}

func (s *s3Store) PutTester(
	ctx context.Context, id deployment.TesterID, version deployment.ApplicationVersion, pkg []byte,
) error {
	return s.put(ctx, testerKey(id, version), pkg)
}

func (s *s3Store) Get(
	ctx context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion,
) ([]byte, error) {
	return s.get(ctx, versionKey(id, version))
}

func (s *s3Store) GetTester(
	ctx context.Context, id deployment.TesterID, version deployment.ApplicationVersion,
) ([]byte, error) {
	return s.get(ctx, testerKey(id, version))
}

func (s *s3Store) PutDev(
	ctx context.Context, id deployment.ApplicationID, zone deployment.ZoneID, pkg []byte,
) error {
	return s.put(ctx, devKey(id, zone), pkg)
}

func (s *s3Store) GetDev(
	ctx context.Context, id deployment.ApplicationID, zone deployment.ZoneID,
) ([]byte, error) {
	return s.get(ctx, devKey(id, zone))
}

func (s *s3Store) Prune(
	ctx context.Context, id deployment.ApplicationID, oldestKept deployment.ApplicationVersion,
) error {
	if oldestKept.IsUnknown() {
		return nil
	}

	for _, prefix := range []string{
		id.String() + "/builds/",
		id.Tester().ID.String() + "/tests/",
	} {
		if err := s.prunePrefix(ctx, prefix, oldestKept.BuildNumber); err != nil {
			return err
		}
	}

	return nil
}

func (s *s3Store) prunePrefix(ctx context.Context, prefix string, oldestKept int64) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing packages under %q: %w", prefix, err)
		}

		for _, object := range page.Contents {
			if object.Key == nil {
				continue
			}

			number, ok := buildNumberOf(path.Base(*object.Key))
			if !ok || number >= oldestKept {
				continue
			}

			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    object.Key,
			})
			if err != nil {
				return fmt.Errorf("pruning package %q: %w", *object.Key, err)
			}

			s.log.WithField("package", *object.Key).Debug("Pruned package")
		}
	}

	return nil
}

func (s *s3Store) Delete(ctx context.Context, id deployment.ApplicationID) error {
	for _, prefix := range []string{
		id.String() + "/",
		id.Tester().ID.String() + "/",
	} {
		if err := s.deletePrefix(ctx, prefix); err != nil {
			return err
		}
	}

	return nil
}

func (s *s3Store) deletePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimLeft(prefix, "/")

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing packages under %q: %w", prefix, err)
		}

		for _, object := range page.Contents {
			if object.Key == nil {
				continue
			}

			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    object.Key,
			})
			if err != nil {
				return fmt.Errorf("deleting package %q: %w", *object.Key, err)
			}
		}
	}

	return nil
}
