// Package blob issues presigned POST policies against an S3-compatible
// bucket so clients upload file bytes without going through this service.
package blob

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"quickpaste/pkg/domain"
)

// PostPolicySigner is the subset of *minio.Client the issuer needs.
type PostPolicySigner interface {
	PresignedPostPolicy(ctx context.Context, p *minio.PostPolicy) (*url.URL, map[string]string, error)
}

type Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	UseTLS    bool
	AccessKey string
	SecretKey string
	// PublicURL overrides the base of resolved file URLs (CDN, custom domain).
	PublicURL string
}

type MinioIssuer struct {
	signer    PostPolicySigner
	bucket    string
	publicURL string
	now       func() time.Time
}

func NewMinioIssuer(opts Options) (*MinioIssuer, error) {
	if opts.Bucket == "" {
		return nil, errors.New("blob bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseTLS,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return newIssuer(client, opts.Bucket, opts.PublicURL), nil
}

func newIssuer(signer PostPolicySigner, bucket, publicURL string) *MinioIssuer {
	return &MinioIssuer{
		signer:    signer,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		now:       time.Now,
	}
}

func (m *MinioIssuer) IssueGrant(ctx context.Context, key string, maxSize, minSize int64, expiry time.Duration) (*domain.PresignedPost, error) {
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(m.bucket); err != nil {
		return nil, errors.Wrap(err, "policy bucket")
	}
	if err := policy.SetKey(key); err != nil {
		return nil, errors.Wrap(err, "policy key")
	}
	if err := policy.SetExpires(m.now().UTC().Add(expiry)); err != nil {
		return nil, errors.Wrap(err, "policy expiry")
	}
	if err := policy.SetContentLengthRange(minSize, maxSize); err != nil {
		return nil, errors.Wrap(err, "policy size range")
	}
	u, fields, err := m.signer.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return nil, errors.Wrap(err, "presign post policy")
	}
	postURL := strings.TrimSuffix(u.String(), "/")
	base := postURL
	if m.publicURL != "" {
		base = m.publicURL
	}
	return &domain.PresignedPost{
		URL:             postURL,
		Fields:          fields,
		ResolvedBaseURL: base,
	}, nil
}
