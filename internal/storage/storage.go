// Package storage turns media storage keys into URIs a screen can fetch.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type Resolver interface {
	URI(ctx context.Context, storageKey string) (string, error)
}

type Config struct {
	PublicBaseURL string
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	URLTTL        time.Duration
}

// NewResolver picks the S3 presigning resolver when a bucket is configured
// and the public base URL resolver otherwise.
func NewResolver(cfg Config) (Resolver, error) {
	if cfg.Bucket != "" {
		return NewS3Resolver(cfg)
	}
	return NewPublicResolver(cfg.PublicBaseURL)
}

// PublicResolver joins keys onto a public base URL, e.g. a CDN.
type PublicResolver struct {
	baseURL string
}

func NewPublicResolver(baseURL string) (*PublicResolver, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid media base url: %w", err)
	}
	return &PublicResolver{baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (r *PublicResolver) URI(_ context.Context, storageKey string) (string, error) {
	if storageKey == "" {
		return "", fmt.Errorf("empty storage key")
	}
	segments := strings.Split(strings.TrimLeft(storageKey, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return r.baseURL + "/" + strings.Join(segments, "/"), nil
}

// S3Resolver hands out presigned GET URLs for objects in an S3-compatible
// bucket.
type S3Resolver struct {
	client *s3.S3
	bucket string
	ttl    time.Duration
}

func NewS3Resolver(cfg Config) (*S3Resolver, error) {
	awsConfig := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &S3Resolver{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		ttl:    ttl,
	}, nil
}

func (r *S3Resolver) URI(ctx context.Context, storageKey string) (string, error) {
	if storageKey == "" {
		return "", fmt.Errorf("empty storage key")
	}
	req, _ := r.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(storageKey),
	})
	req.SetContext(ctx)

	signed, err := req.Presign(r.ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", storageKey, err)
	}
	return signed, nil
}
