package receiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/protocol"
)

// S3API is the part of *s3.Client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string // e.g. a MinIO URL; empty uses AWS
	PathStyle bool
	AccessKey string // with SecretKey, overrides the default credential chain
	SecretKey string
}

// NewS3Client builds an S3 client from the default AWS configuration
// (environment, shared config, instance roles) plus opts.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// S3Sink uploads every file as an object in Bucket. The object key is Prefix
// followed by the resolved Template, which must stay below Prefix.
type S3Sink struct {
	Client   S3API
	Bucket   string
	Prefix   string
	Template string           // defaults to naming.DefaultTemplate
	Now      func() time.Time // defaults to time.Now
	TempDir  string           // spool directory; defaults to os.TempDir()
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Deliver implements Sink. The stream is spooled to a temporary file first
// since PutObject needs a seekable body of known length.
func (s *S3Sink) Deliver(ctx context.Context, task beam.SocketTask, r io.Reader) error {
	meta, err := protocol.DecodeStream(task.Metadata)
	if err != nil {
		return err
	}
	name := resolveName(s.Template, task.From, now(s.Now), meta.SuggestedName)
	if !isLocalName(name) {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	key := name
	if s.Prefix != "" {
		key = strings.TrimSuffix(s.Prefix, "/") + "/" + name
	}

	spool, err := os.CreateTemp(s.TempDir, "beamfile-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(spool.Name()) //nolint:errcheck // best-effort cleanup
	defer spool.Close()           //nolint:errcheck // best-effort cleanup

	n, err := io.Copy(spool, r)
	if err != nil {
		return fmt.Errorf("spool file: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}

	objMeta := map[string]string{"from": task.From}
	if meta.SuggestedName != "" {
		objMeta["suggested-name"] = meta.SuggestedName
	}
	if meta.Meta != nil {
		objMeta["metadata"] = string(meta.Meta)
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      objMeta,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", s.Bucket, key, err)
	}
	return nil
}
