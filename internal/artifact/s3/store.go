// Package s3 stores run artifacts in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/michaelbrown/runbox/internal/artifact"
)

var (
	_ artifact.Store     = (*Store)(nil)
	_ artifact.FileStore = (*Store)(nil)
)

// api is the subset of the SDK client used by Store.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store implements artifact.Store on top of the AWS SDK v2.
type Store struct {
	client  api
	presign func(ctx context.Context, key string) (string, error)
	opts    Options
}

// New creates a Store. Credentials fall back to the default AWS chain when
// none are configured.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := Options{Region: defaultRegion}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Bucket == "" {
		return nil, ErrBucketRequired
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if o.Endpoint != "" {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.BaseEndpoint = aws.String(o.Endpoint)
		})
	}
	if o.UsePathStyle {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.UsePathStyle = true
		})
	}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.Credentials = credentials.NewStaticCredentialsProvider(
				o.AccessKeyID, o.SecretAccessKey, o.SessionToken,
			)
		})
	}
	if o.MaxRetries > 0 {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.RetryMaxAttempts = o.MaxRetries
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	st := &Store{client: client, opts: o}
	if o.PresignTTL > 0 {
		pc := s3.NewPresignClient(client, s3.WithPresignExpires(o.PresignTTL))
		st.presign = func(ctx context.Context, key string) (string, error) {
			req, err := pc.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(o.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return "", wrapError(err)
			}
			return req.URL, nil
		}
	}
	return st, nil
}

// Put uploads data under key and returns its URL.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return s.put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// PutFile uploads the rest of f from its current offset under key.
func (s *Store) PutFile(ctx context.Context, key string, f *os.File, contentType string) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	return s.put(ctx, key, f, info.Size()-off, contentType)
}

func (s *Store) put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", wrapError(err)
	}

	if s.presign != nil {
		return s.presign(ctx, key)
	}
	return s.ObjectURL(key), nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", wrapError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(resp.ContentType), nil
}

// ObjectURL returns the unsigned address of key. Whether it is reachable
// depends on the bucket policy.
func (s *Store) ObjectURL(key string) string {
	escaped := escapeKey(key)
	switch {
	case s.opts.PublicBaseURL != "":
		return strings.TrimSuffix(s.opts.PublicBaseURL, "/") + "/" + escaped
	case s.opts.Endpoint != "" && s.opts.UsePathStyle:
		return strings.TrimSuffix(s.opts.Endpoint, "/") + "/" + s.opts.Bucket + "/" + escaped
	case s.opts.Endpoint != "":
		u, err := url.Parse(s.opts.Endpoint)
		if err != nil || u.Host == "" {
			return strings.TrimSuffix(s.opts.Endpoint, "/") + "/" + s.opts.Bucket + "/" + escaped
		}
		return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, s.opts.Bucket, u.Host, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.opts.Bucket, s.opts.Region, escaped)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
