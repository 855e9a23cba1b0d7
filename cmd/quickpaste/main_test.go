package main

import (
	"context"
	"path/filepath"
	"testing"

	"quickpaste/cfg"
)

func TestOpenStoreLocalBackends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{cfg.StoreSQLite, cfg.StoreBolt} {
		t.Run(backend, func(t *testing.T) {
			c := &cfg.Cfg{
				StoreBackend:   backend,
				DatabasePath:   filepath.Join(dir, "q.db"),
				BoltPath:       filepath.Join(dir, "q.bolt"),
				DBMaxOpenConns: 4,
				DBMaxIdleConns: 2,
			}
			st, err := openStore(context.Background(), c, nil)
			if err != nil {
				t.Fatalf("openStore failed: %v", err)
			}
			defer st.close()
			if st.sweeper == nil {
				t.Error("local backends need the expiry sweeper")
			}
			if (st.sqlite != nil) != (backend == cfg.StoreSQLite) {
				t.Errorf("sqlite handle set = %v", st.sqlite != nil)
			}
			if err := st.records.Ping(context.Background()); err != nil {
				t.Errorf("Ping failed: %v", err)
			}
		})
	}
}

func TestOpenStoreRedisNeedsConnection(t *testing.T) {
	if _, err := openStore(context.Background(), &cfg.Cfg{StoreBackend: cfg.StoreRedis}, nil); err == nil {
		t.Error("redis backend opened without a connection")
	}
	if _, err := openStore(context.Background(), &cfg.Cfg{StoreBackend: "mongo"}, nil); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestBlobSecret(t *testing.T) {
	c := &cfg.Cfg{Blob: cfg.BlobCfg{SecretSource: "env", SecretKey: cfg.NewSecret("direct"), SecretName: "QP_BLOB_SECRET"}}
	got, err := blobSecret(context.Background(), c)
	if err != nil || got != "direct" {
		t.Fatalf("blobSecret = %q, %v", got, err)
	}
	t.Setenv("QP_BLOB_SECRET", "named")
	c.Blob.SecretKey = cfg.NewSecret("")
	got, err = blobSecret(context.Background(), c)
	if err != nil || got != "named" {
		t.Fatalf("blobSecret fallback = %q, %v", got, err)
	}
}
