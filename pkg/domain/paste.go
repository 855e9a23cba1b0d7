package domain

import (
	"time"
)

const (
	MaxContentLength = 999999
	MaxUploadSize    = 500 * 1024 * 1024
	MinUploadSize    = 0
	UploadGrantTTL   = 2 * time.Minute

	// MaxExpiresAt is 9999-12-31T23:59:59Z. Longer ttls are clamped to it.
	MaxExpiresAt int64 = 253402300799
)

type PasteRecord struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	ExpiresAt   *int64       `json:"ttl,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	Attachments []Attachment `json:"uploadedFiles"`
}

type Attachment struct {
	FileName string `json:"fileName"`
	URL      string `json:"url"`
}

// Expired reports whether the record is logically expired at now.
// A record without an expiry never expires.
func (r *PasteRecord) Expired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return *r.ExpiresAt <= now.Unix()
}

// ExpiresAfter returns the absolute expiry ttlSeconds after now, clamped
// to MaxExpiresAt.
func ExpiresAfter(now time.Time, ttlSeconds int64) int64 {
	if ttlSeconds >= MaxExpiresAt-now.Unix() {
		return MaxExpiresAt
	}
	return now.Unix() + ttlSeconds
}

// ExpiryTime returns the expiry as a time.Time, zero when the record never expires.
func (r *PasteRecord) ExpiryTime() time.Time {
	if r.ExpiresAt == nil {
		return time.Time{}
	}
	return time.Unix(*r.ExpiresAt, 0)
}

type FileDecl struct {
	ClientID     string `json:"clientId"`
	OriginalName string `json:"originalName"`
}

type CreateParams struct {
	Content    string
	Files      []FileDecl
	TTLSeconds *int64
}

type PresignedPost struct {
	URL             string            `json:"url"`
	Fields          map[string]string `json:"fields"`
	ResolvedBaseURL string            `json:"-"`
}

type UploadGrant struct {
	ClientID     string         `json:"clientId"`
	OriginalName string         `json:"originalName"`
	Data         *PresignedPost `json:"data"`
	Key          string         `json:"-"`
	ResolvedURL  string         `json:"-"`
}

type CreateResult struct {
	ID           string
	UploadGrants []UploadGrant
	ExpiresAt    *int64
}
