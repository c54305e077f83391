package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Storage stores blobs in an S3 compatible bucket (AWS or MinIO).
type S3Storage struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// newS3Storage parses a DSN of the form
// s3://ACCESS:SECRET@endpoint/bucket?region=eu-west-1&path-style=true
// and verifies the bucket exists.
func newS3Storage(ctx context.Context, dsn *url.URL, publicBaseURL string) (*S3Storage, error) {
	bucket := strings.Trim(dsn.Path, "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 storage DSN is missing the bucket path")
	}
	region := dsn.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}
	pathStyle := dsn.Query().Get("path-style") == "true"

	endpoint := ""
	if dsn.Host != "" && !strings.HasSuffix(dsn.Host, "amazonaws.com") {
		scheme := "https"
		if dsn.Query().Get("insecure") == "true" {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, dsn.Host)
	}

	var awsCfg aws.Config
	var err error
	if user := dsn.User; user != nil {
		secret, _ := user.Password()
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				user.Username(), secret, "")),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if pathStyle {
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		// Create the bucket for local development setups (MinIO).
		if _, cerr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); cerr != nil {
			return nil, fmt.Errorf("failed to ensure bucket %q exists: %w", bucket, err)
		}
	}

	baseURL := publicBaseURL
	if baseURL == "" {
		if endpoint != "" {
			baseURL = joinURL(endpoint, bucket)
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
		}
	}

	return &S3Storage{client: client, bucket: bucket, baseURL: baseURL}, nil
}

func (s *S3Storage) Save(ctx context.Context, path string, content io.Reader) (int64, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob content: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload blob %q: %w", path, err)
	}
	return int64(len(data)), nil
}

func (s *S3Storage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %q: %w", path, err)
	}
	return out.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %q: %w", path, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob %q: %w", path, err)
	}
	return true, nil
}

func (s *S3Storage) URL(path string) string {
	return joinURL(s.baseURL, path)
}

func (s *S3Storage) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}
