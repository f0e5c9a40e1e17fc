package s3

import "time"

const defaultRegion = "us-east-1"

// Option configures a Store.
type Option func(*Options)

// Options holds the settings used to build a Store.
type Options struct {
	// Connection settings
	Endpoint string // custom endpoint URL (MinIO, R2, ...)
	Region   string
	Bucket   string

	// Authentication
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Behavior
	UsePathStyle  bool          // path-style addressing, required for MinIO
	PublicBaseURL string        // prefix for returned URLs, overrides the derived one
	PresignTTL    time.Duration // > 0 returns presigned GET URLs instead
	MaxRetries    int
}

// WithEndpoint sets a custom endpoint URL for S3-compatible services.
func WithEndpoint(endpoint string) Option {
	return func(o *Options) {
		if endpoint != "" {
			o.Endpoint = endpoint
		}
	}
}

// WithRegion sets the region. Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *Options) {
		if region != "" {
			o.Region = region
		}
	}
}

// WithBucket sets the bucket name. Required.
func WithBucket(bucket string) Option {
	return func(o *Options) { o.Bucket = bucket }
}

// WithCredentials sets static credentials. Both values must be non-empty to
// take effect; otherwise the default AWS credential chain is used.
func WithCredentials(accessKeyID, secretAccessKey string) Option {
	return func(o *Options) {
		if accessKeyID != "" && secretAccessKey != "" {
			o.AccessKeyID = accessKeyID
			o.SecretAccessKey = secretAccessKey
		}
	}
}

// WithSessionToken sets the session token paired with temporary static
// credentials.
func WithSessionToken(token string) Option {
	return func(o *Options) { o.SessionToken = token }
}

// WithPathStyle enables path-style addressing.
func WithPathStyle(enabled bool) Option {
	return func(o *Options) { o.UsePathStyle = enabled }
}

// WithPublicBaseURL sets the prefix used to build returned URLs.
func WithPublicBaseURL(base string) Option {
	return func(o *Options) { o.PublicBaseURL = base }
}

// WithPresign makes Put return presigned GET URLs valid for ttl.
func WithPresign(ttl time.Duration) Option {
	return func(o *Options) { o.PresignTTL = ttl }
}

// WithRetries sets the maximum number of attempts per request.
func WithRetries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxRetries = n
		}
	}
}
