package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/migadu/s3watcher/config"
)

const backendAWS = "aws"

// S3API is the subset of the AWS S3 client used by AWSStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// AWSStore is an object store backed by the AWS SDK v2 S3 client.
type AWSStore struct {
	client S3API
}

func NewAWSStore(client S3API) *AWSStore {
	return &AWSStore{client: client}
}

// LoadAWSConfig resolves AWS configuration from the default chain, overriding
// region and credentials when they are set in cfg.
func LoadAWSConfig(ctx context.Context, cfg config.StorageConfig, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return awsCfg, nil
}

// NewAWS builds an AWSStore from an AWS configuration.
func NewAWS(awsCfg aws.Config, cfg config.StorageConfig) *AWSStore {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https://"
				if cfg.DisableTLS {
					scheme = "http://"
				}
				endpoint = scheme + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewAWSStore(client)
}

func (s *AWSStore) Get(ctx context.Context, loc Location) ([]byte, error) {
	start := time.Now()
	data, err := s.get(ctx, loc)
	observe(backendAWS, "GET", start, err)
	if err != nil {
		return nil, wrapErr("get", loc, err)
	}
	return data, nil
}

func (s *AWSStore) get(ctx context.Context, loc Location) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Copy performs a server-side copy. An existing object at dst is overwritten.
func (s *AWSStore) Copy(ctx context.Context, src, dst Location) error {
	start := time.Now()
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dst.Bucket),
		Key:        aws.String(dst.Key),
		CopySource: aws.String(CopySource(src)),
	})
	observe(backendAWS, "COPY", start, err)
	if err != nil {
		return wrapErr("copy "+src.String()+" to", dst, err)
	}
	return nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *AWSStore) Delete(ctx context.Context, loc Location) error {
	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	observe(backendAWS, "DELETE", start, err)
	if err != nil {
		return wrapErr("delete", loc, err)
	}
	return nil
}

func (s *AWSStore) Exists(ctx context.Context, loc Location) (bool, error) {
	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil && IsNotFound(err) {
		observe(backendAWS, "HEAD", start, nil)
		return false, nil
	}
	observe(backendAWS, "HEAD", start, err)
	if err != nil {
		return false, wrapErr("stat", loc, err)
	}
	return true, nil
}

func (s *AWSStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil && IsNotFound(err) {
		observe(backendAWS, "HEAD_BUCKET", start, nil)
		return false, nil
	}
	observe(backendAWS, "HEAD_BUCKET", start, err)
	return err == nil, err
}

// CopySource renders the x-amz-copy-source value for loc. Each key segment is
// percent-encoded; the separators are kept.
func CopySource(loc Location) string {
	segments := strings.Split(loc.Key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return loc.Bucket + "/" + strings.Join(segments, "/")
}
