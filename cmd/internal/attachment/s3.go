package attachment

import (
	"context"
	"errors"
	"strings"
	"time"

	"careline/cmd/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// HeadObjectAPI is the subset of the S3 client used for verification.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config configures the object-storage verifier.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint; empty uses AWS
	AccessKey string
	SecretKey string
	MaxSize   int64
}

// S3Verifier checks that an attachment exists in the bucket with the declared size.
type S3Verifier struct {
	client  HeadObjectAPI
	bucket  string
	maxSize int64
	timeout time.Duration
}

// NewS3Verifier builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the SDK default chain applies.
func NewS3Verifier(ctx context.Context, cfg S3Config) (*S3Verifier, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("attachment: empty bucket")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3VerifierWithClient(client, cfg.Bucket, cfg.MaxSize), nil
}

// NewS3VerifierWithClient wraps an existing client.
func NewS3VerifierWithClient(client HeadObjectAPI, bucket string, maxSize int64) *S3Verifier {
	return &S3Verifier{client: client, bucket: bucket, maxSize: maxSize, timeout: 5 * time.Second}
}

// Verify runs the local checks, then HEADs the object.
func (v *S3Verifier) Verify(ctx context.Context, a Attachment) error {
	const op = "attachment.Verify"

	if err := checkLimit(op, a, v.maxSize); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(a.StoragePath),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return apperr.Ef(op, apperr.ErrValidation, "object %q not found", a.StoragePath)
		}
		return apperr.ExternalError{Op: op, Provider: "s3", Err: err}
	}
	if size := aws.ToInt64(out.ContentLength); size != a.Size {
		return apperr.Ef(op, apperr.ErrValidation, "declared size %d does not match stored size %d", a.Size, size)
	}
	return nil
}
