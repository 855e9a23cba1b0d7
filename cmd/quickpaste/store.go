package main

import (
	"context"
	"fmt"

	"quickpaste/cfg"
	"quickpaste/svc/db"
	"quickpaste/svc/svc"
)

type store struct {
	records svc.RecordStore
	// sweeper is set for backends without native expiry eviction.
	sweeper db.ExpirySweeper
	sqlite  *db.SQLite
	owned   bool
}

func (s *store) close() {
	if s.owned {
		s.records.Close()
	}
}

// openStore builds the configured backend. The redis backend reuses the
// connection already opened for rate limiting.
func openStore(ctx context.Context, c *cfg.Cfg, rdb *db.Redis) (*store, error) {
	switch c.StoreBackend {
	case cfg.StoreSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		return &store{records: s, sweeper: s, sqlite: s, owned: true}, nil
	case cfg.StoreBolt:
		b, err := db.NewBolt(c.BoltPath)
		if err != nil {
			return nil, err
		}
		return &store{records: b, sweeper: b, owned: true}, nil
	case cfg.StoreRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis backend selected but no redis connection")
		}
		return &store{records: rdb}, nil
	case cfg.StoreDynamoDB:
		d, err := db.NewDynamo(ctx, c.DynamoTable, c.AWSRegion, c.DynamoEndpoint, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		return &store{records: d, owned: true}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
}
