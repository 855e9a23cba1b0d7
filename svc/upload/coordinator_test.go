package upload

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"quickpaste/pkg/domain"
)

type fakeIssuer struct {
	base   string
	failOn string
	calls  []issueCall
}

type issueCall struct {
	key      string
	max, min int64
	expiry   time.Duration
}

func (f *fakeIssuer) IssueGrant(ctx context.Context, key string, maxSize, minSize int64, expiry time.Duration) (*domain.PresignedPost, error) {
	f.calls = append(f.calls, issueCall{key, maxSize, minSize, expiry})
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return nil, fmt.Errorf("signing failed for %s", key)
	}
	return &domain.PresignedPost{
		URL:             f.base,
		Fields:          map[string]string{"key": key},
		ResolvedBaseURL: f.base,
	}, nil
}

func TestPrepareTwoFiles(t *testing.T) {
	issuer := &fakeIssuer{base: "https://uploads.example.com/bucket"}
	c := NewCoordinator(issuer)
	files := []domain.FileDecl{
		{ClientID: "0", OriginalName: "a.txt"},
		{ClientID: "1", OriginalName: "b.png"},
	}
	grants, err := c.Prepare(context.Background(), "xk3", files)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("len(grants) = %d, want 2", len(grants))
	}
	if grants[0].Key == grants[1].Key {
		t.Errorf("grant keys collide: %s", grants[0].Key)
	}
	for i, g := range grants {
		if g.ClientID != files[i].ClientID || g.OriginalName != files[i].OriginalName {
			t.Errorf("grant %d out of order: %+v", i, g)
		}
		if !strings.Contains(g.Key, "xk3") {
			t.Errorf("grant key %q does not contain paste id", g.Key)
		}
		if g.ResolvedURL != "https://uploads.example.com/bucket/"+g.Key {
			t.Errorf("resolved url = %s", g.ResolvedURL)
		}
	}
	if grants[0].Key != "xk3_0_a.txt" {
		t.Errorf("key = %s, want xk3_0_a.txt", grants[0].Key)
	}
	for _, call := range issuer.calls {
		if call.max != 500*1024*1024 || call.min != 0 || call.expiry != 2*time.Minute {
			t.Errorf("grant bounds = %+v", call)
		}
	}
}

func TestPrepareKeepsOrderForManyFiles(t *testing.T) {
	c := NewCoordinator(&fakeIssuer{base: "http://localhost:9000/uploads/"})
	var files []domain.FileDecl
	for i := 0; i < 25; i++ {
		files = append(files, domain.FileDecl{ClientID: fmt.Sprint(i), OriginalName: "same.txt"})
	}
	grants, err := c.Prepare(context.Background(), "abcd", files)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	seen := map[string]bool{}
	for i, g := range grants {
		if g.ClientID != fmt.Sprint(i) {
			t.Fatalf("grant %d has clientId %s", i, g.ClientID)
		}
		if seen[g.Key] {
			t.Fatalf("duplicate key %s", g.Key)
		}
		seen[g.Key] = true
	}
	if !strings.HasPrefix(grants[0].ResolvedURL, "http://localhost:9000/uploads/abcd_0_") {
		t.Errorf("resolved url = %s", grants[0].ResolvedURL)
	}
}

func TestPreparePartialFailureFailsAll(t *testing.T) {
	c := NewCoordinator(&fakeIssuer{base: "https://b", failOn: "_1_"})
	files := []domain.FileDecl{
		{ClientID: "0", OriginalName: "a"},
		{ClientID: "1", OriginalName: "b"},
		{ClientID: "2", OriginalName: "c"},
	}
	grants, err := c.Prepare(context.Background(), "id1", files)
	if err == nil {
		t.Fatal("expected error")
	}
	if grants != nil {
		t.Errorf("partial grants returned: %+v", grants)
	}
	if !errors.Is(err, domain.ErrGrantIssuance) {
		t.Errorf("err = %v, want ErrGrantIssuance", err)
	}
}

func TestPrepareNoFiles(t *testing.T) {
	c := NewCoordinator(&fakeIssuer{base: "https://b"})
	grants, err := c.Prepare(context.Background(), "id1", nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("len(grants) = %d", len(grants))
	}
}

func TestStorageKeyStripsSeparators(t *testing.T) {
	got := StorageKey("p1", "c/1", "../etc\x00/passwd")
	if strings.ContainsAny(got, "/\x00") {
		t.Errorf("key contains path separators or control chars: %q", got)
	}
	// NFC: "e" + combining acute becomes a single code point.
	if StorageKey("p", "0", "\u00e9.txt") != StorageKey("p", "0", "e\u0301.txt") {
		t.Error("names differing only in normalisation should map to one key")
	}
}

func TestStorageKeySeparatorInsideIDs(t *testing.T) {
	c := NewCoordinator(&fakeIssuer{base: "https://b"})
	files := []domain.FileDecl{
		{ClientID: "a_b", OriginalName: "c"},
		{ClientID: "a", OriginalName: "b_c"},
	}
	grants, err := c.Prepare(context.Background(), "hyh", files)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if grants[0].Key == grants[1].Key {
		t.Fatalf("files share key %s", grants[0].Key)
	}
	if grants[0].ResolvedURL == grants[1].ResolvedURL {
		t.Errorf("files share url %s", grants[0].ResolvedURL)
	}
	if StorageKey("p", "a%5Fb", "c") == StorageKey("p", "a_b", "c") {
		t.Error("escaped and literal separator map to one key")
	}
}

func TestAttachments(t *testing.T) {
	grants := []domain.UploadGrant{
		{OriginalName: "a.txt", ResolvedURL: "https://b/p_0_a.txt"},
		{OriginalName: "b.png", ResolvedURL: "https://b/p_1_b.png"},
	}
	atts := Attachments(grants)
	if len(atts) != 2 || atts[1].FileName != "b.png" || atts[1].URL != "https://b/p_1_b.png" {
		t.Errorf("attachments = %+v", atts)
	}
}
