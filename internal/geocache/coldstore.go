package geocache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLColdStore looks up geo data from the external geo table via
// database/sql + lib/pq.
type SQLColdStore struct {
	db *sql.DB
}

// NewSQLColdStore wraps an existing *sql.DB. The geo table is maintained
// out of band (bulk geo database updates, §4.4's invalidation signal); this
// store only ever reads it.
func NewSQLColdStore(db *sql.DB) *SQLColdStore {
	return &SQLColdStore{db: db}
}

func (s *SQLColdStore) Lookup(ctx context.Context, ip string) (*Entry, error) {
	const query = `
		SELECT country, region, city, lat, lon, tz, source_of_truth
		FROM geo_lookup
		WHERE ip_address = $1
	`

	row := s.db.QueryRowContext(ctx, query, ip)

	var e Entry
	err := row.Scan(&e.Country, &e.Region, &e.City, &e.Lat, &e.Lon, &e.TZ, &e.SourceOfTruth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geo_lookup query for %s: %w", ip, err)
	}
	e.IP = ip
	return &e, nil
}

// StaticColdStore is a fixed-table ColdStore used by tests and by
// environments that seed a small allow-list of known IPs instead of
// querying a warehouse.
type StaticColdStore struct {
	Table map[string]*Entry
}

func (s *StaticColdStore) Lookup(_ context.Context, ip string) (*Entry, error) {
	e, ok := s.Table[ip]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.SourceOfTruth = time.Now()
	return &cp, nil
}
