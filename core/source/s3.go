package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/relabs-tech/baas/core/logger"
)

// S3Configuration contains the configuration for the S3 source
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	// KeyPrefix is prepended to every object key
	KeyPrefix string
	// FileName defaults to plugin.json
	FileName string
	// Endpoint overrides the AWS endpoint, e.g. for a local S3 compatible store
	Endpoint string
}

// s3API is the part of the S3 client the source uses
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 reads descriptors from objects <KeyPrefix><module>/<FileName> in a bucket
type S3 struct {
	client      s3API
	bucket      string
	baseKeyName string
	fileName    string
}

// NewS3 returns a new S3 source
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(s3Config.AWSRegion)}
	if s3Config.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s3Config.Endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(s3Config.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Default().Debugln("S3 descriptor source enabled for bucket", s3Config.AWSBucketName)
	return newS3WithClient(client, s3Config), nil
}

func newS3WithClient(client s3API, s3Config S3Configuration) *S3 {
	fileName := s3Config.FileName
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &S3{
		client:      client,
		bucket:      s3Config.AWSBucketName,
		baseKeyName: s3Config.KeyPrefix,
		fileName:    fileName,
	}
}

// Key returns the object key of a module's descriptor
func (s *S3) Key(module string) string {
	return s.baseKeyName + module + "/" + s.fileName
}

// Stat implements Source
func (s *S3) Stat(ctx context.Context, module string) (time.Time, error) {
	if !ValidModuleName(module) {
		return time.Time{}, ErrNotExist
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(module)),
	})
	if err != nil {
		return time.Time{}, s3Error(err)
	}
	if out.LastModified == nil {
		return time.Time{}, nil
	}
	return *out.LastModified, nil
}

// Load implements Source
func (s *S3) Load(ctx context.Context, module string) ([]byte, error) {
	if !ValidModuleName(module) {
		return nil, ErrNotExist
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(module)),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Upload publishes a module's descriptor
func (s *S3) Upload(ctx context.Context, module string, data []byte) error {
	if !ValidModuleName(module) {
		return fmt.Errorf("invalid module name %q", module)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(module)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload descriptor of %s: %w", module, err)
	}
	return nil
}

func s3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return ErrNotExist
		}
	}
	return fmt.Errorf("s3: %w", err)
}
