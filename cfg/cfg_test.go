package cfg

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("ID_START_LENGTH", "")
	t.Setenv("MIN_CONTENT_LENGTH", "")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.StoreBackend != "" && c.StoreBackend != StoreSQLite {
		t.Errorf("StoreBackend = %q", c.StoreBackend)
	}
	if c.IDStartLength != 3 {
		t.Errorf("IDStartLength = %d, want 3", c.IDStartLength)
	}
	if c.MinContentLen != 0 {
		t.Errorf("MinContentLen = %d, want 0", c.MinContentLen)
	}
	if c.CleanupInterval != 10*time.Minute {
		t.Errorf("CleanupInterval = %v", c.CleanupInterval)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("LRU_CACHE_SIZE", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric LRU_CACHE_SIZE")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Cfg {
		return &Cfg{
			Port:            "8080",
			StoreBackend:    StoreRedis,
			RedisURL:        "redis://localhost:6379/0",
			Blob:            BlobCfg{Endpoint: "s3.amazonaws.com", Bucket: "b", SecretSource: "env"},
			LRUCacheSize:    10,
			MaxFilesPerPost: 5,
			IDStartLength:   3,
			IDMaxLength:     12,
			RateLimit:       RateLimitCfg{RPM: 10, Burst: 1, PerIPRPM: 5},
			CleanupInterval: time.Minute,
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Cfg)
	}{
		{"unknown backend", func(c *Cfg) { c.StoreBackend = "mongo" }},
		{"redis without url", func(c *Cfg) { c.RedisURL = "" }},
		{"bad redis scheme", func(c *Cfg) { c.RedisURL = "http://x" }},
		{"dynamo without region", func(c *Cfg) { c.StoreBackend = StoreDynamoDB; c.DynamoTable = "t" }},
		{"min content length 2", func(c *Cfg) { c.MinContentLen = 2 }},
		{"max below start", func(c *Cfg) { c.IDMaxLength = 2 }},
		{"bad secret source", func(c *Cfg) { c.Blob.SecretSource = "file" }},
		{"relative public url", func(c *Cfg) { c.Blob.PublicURL = "cdn/uploads" }},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"not-an-ip"} }},
		{"production without metrics auth", func(c *Cfg) { c.Environment = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := Validate(c); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestSecretRedacts(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String() leaked secret: %s", s.String())
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Error("Wipe did not clear secret")
	}
}
