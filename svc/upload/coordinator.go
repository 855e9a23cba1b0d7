// Package upload hands out direct-to-blob-store upload grants for the files
// declared in a create request and predicts where each file will be served.
package upload

import (
	"context"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"

	"quickpaste/metrics"
	"quickpaste/pkg/domain"
)

const keySeparator = "_"

// Issuer issues a presigned, size- and time-bounded upload capability for key.
type Issuer interface {
	IssueGrant(ctx context.Context, key string, maxSize, minSize int64, expiry time.Duration) (*domain.PresignedPost, error)
}

type Coordinator struct {
	issuer Issuer
}

func NewCoordinator(issuer Issuer) *Coordinator {
	if issuer == nil {
		panic("upload coordinator: nil issuer")
	}
	return &Coordinator{issuer: issuer}
}

// Prepare returns one grant per file, in input order. Any failure fails
// the whole batch so no paste is created with a partial file list.
func (c *Coordinator) Prepare(ctx context.Context, pasteID string, files []domain.FileDecl) ([]domain.UploadGrant, error) {
	grants := make([]domain.UploadGrant, 0, len(files))
	for i, f := range files {
		key := StorageKey(pasteID, f.ClientID, f.OriginalName)
		post, err := c.issuer.IssueGrant(ctx, key, domain.MaxUploadSize, domain.MinUploadSize, domain.UploadGrantTTL)
		if err != nil {
			metrics.UploadGrantFailures.Inc()
			return nil, errors.Wrapf(domain.ErrGrantIssuance, "file %d (%s): %v", i, f.ClientID, err)
		}
		resolved, err := ResolveURL(post.ResolvedBaseURL, key)
		if err != nil {
			metrics.UploadGrantFailures.Inc()
			return nil, errors.Wrapf(domain.ErrGrantIssuance, "file %d (%s): resolve url: %v", i, f.ClientID, err)
		}
		grants = append(grants, domain.UploadGrant{
			ClientID:     f.ClientID,
			OriginalName: f.OriginalName,
			Data:         post,
			Key:          key,
			ResolvedURL:  resolved,
		})
	}
	metrics.UploadGrantsIssued.Add(float64(len(grants)))
	return grants, nil
}

// Attachments lists the predicted retrieval locations of the grants.
// Uploads are not confirmed; the blob store enforces the grant bounds.
func Attachments(grants []domain.UploadGrant) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(grants))
	for _, g := range grants {
		out = append(out, domain.Attachment{FileName: g.OriginalName, URL: g.ResolvedURL})
	}
	return out
}

// StorageKey derives the object key for one file of a paste. The paste id
// prefix keeps keys apart across pastes, the client id within one paste.
// Neither the paste id nor the escaped client id contains the separator, so
// distinct (client id, name) pairs never share a key.
func StorageKey(pasteID, clientID, originalName string) string {
	return pasteID + keySeparator + ClientSegment(clientID) + keySeparator + keySafe(originalName)
}

var segmentEscaper = strings.NewReplacer("%", "%25", keySeparator, "%5F")

// ClientSegment is the client id as it appears in a storage key.
func ClientSegment(clientID string) string {
	return segmentEscaper.Replace(keySafe(clientID))
}

func keySafe(s string) string {
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ResolveURL joins a base URL and an object key.
func ResolveURL(base, key string) (string, error) {
	if base == "" {
		return "", errors.New("empty base url")
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	return u.JoinPath(key).String(), nil
}
