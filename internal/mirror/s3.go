package mirror

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink mirrors files to a bucket/prefix via PutObject, skipping the
// upload when the existing object's LastModified is not older than the
// source file's mtime.
type S3Sink struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3Sink builds an S3Sink from the ambient AWS config (environment,
// shared config file, or instance role), matching the teacher's
// convention of loading credentials implicitly rather than threading
// them through flags.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config: %v", ErrMirror, err)
	}
	return &S3Sink{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

func (s *S3Sink) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "/" + name
}

func (s *S3Sink) Mirror(ctx context.Context, name, srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("%w: stat source %s: %v", ErrMirror, srcPath, err)
	}
	key := s.key(name)

	head, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.Bucket, Key: &key})
	if err == nil && head.LastModified != nil && mtimeNewer(*head.LastModified, srcInfo.ModTime()) {
		return nil // destination already up to date
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrMirror, srcPath, err)
	}
	defer f.Close()

	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.Bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("%w: putting s3://%s/%s: %v", ErrMirror, s.Bucket, key, err)
	}
	return nil
}
