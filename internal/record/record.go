// Package record defines TrackingRecord, the atomic unit that flows from
// Capture through the handoff channels to the bulk writer or the failover
// file. A TrackingRecord is immutable once Seal returns it: nothing past
// Capture ever mutates a record in place (enrichment fills its fields on a
// copy).
package record

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TrackingRecord is the atomic unit of the ingest pipeline.
type TrackingRecord struct {
	// RecordID is a capture-time UUID used only to correlate log lines and
	// failover entries across process boundaries; it is not part of the
	// raw table schema.
	RecordID string `json:"record_id"`

	CompanyID string `json:"company_id"`
	PixelID string `json:"pixel_id"`

	CapturedAt time.Time `json:"captured_at"`

	ClientIP string `json:"ip_address"`
	ForwardedChain []string `json:"forwarded_chain,omitempty"`
	ProxyDepth int `json:"proxy_depth"`

	RequestPath string `json:"request_path"`
	QueryString string `json:"query_string"`
	UserAgent string `json:"user_agent"`
	Referer string `json:"referer"`
	HeadersJSON string `json:"headers_json"`

	// Derived fields, filled in synchronously during Capture (and, for the
	// geo fields, possibly again during enrichment if the edge-side cache
	// missed).
	DatacenterProvider string `json:"datacenter_provider,omitempty"`
	IsDatacenter bool `json:"is_datacenter"`

	RapidFire bool `json:"rapid_fire"`
	HighVelocity bool `json:"high_velocity"`
	Unstable bool `json:"unstable_fingerprint"`

	GeoCountry string `json:"geo_country,omitempty"`
	GeoRegion string `json:"geo_region,omitempty"`
	GeoCity string `json:"geo_city,omitempty"`
	GeoLat float64 `json:"geo_lat,omitempty"`
	GeoLon float64 `json:"geo_lon,omitempty"`
	GeoTZ string `json:"geo_tz,omitempty"`
	GeoHit bool `json:"geo_hit"`

	FingerprintHash string `json:"fingerprint_hash"`

	sealed bool
}

// Seal freezes the record. Capture calls this exactly once, immediately
// before handoff. Any later attempt to mutate the record is a programming
// error the caller must not make; Seal only flips a bookkeeping flag used by
// tests to assert the no-mutation-after-handoff invariant.
func (r *TrackingRecord) Seal() *TrackingRecord {
	r.sealed = true
	return r
}

// Sealed reports whether Seal has been called.
func (r *TrackingRecord) Sealed() bool {
	return r.sealed
}

// NewRecordID returns a fresh record identifier. Exposed so Capture can stamp
// it before any field depends on the value (e.g. log correlation on a
// rejected record).
func NewRecordID() string {
	return uuid.NewString()
}

// Valid reports whether the record carries the minimum fields the
// enrichment pipeline requires before handing off to the writer: a
// missing company or pixel id makes the record unpersistable.
func (r *TrackingRecord) Valid() bool {
	return r.CompanyID != "" && r.PixelID != ""
}

// HeaderJSON builds the stable, alphabetically-ordered JSON document of
// request headers. Ordering by header name makes the
// serialized document diffable across requests from the same client.
func HeaderJSON(headers map[string][]string) (string, error) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	ordered := make(map[string]interface{}, len(names))
	for _, name := range names {
		values := headers[name]
		if len(values) == 1 {
			ordered[name] = values[0]
		} else {
			ordered[name] = values
		}
	}

	// encoding/json sorts map keys alphabetically on Marshal, so this
	// already gives us a stable byte-for-byte document across calls with
	// the same header set.
	buf, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Marshal serializes a TrackingRecord to its canonical wire/failover-file
// form: one JSON object, snake_case keys.
func (r *TrackingRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses the wire/failover-file form of a TrackingRecord. Unknown
// keys are tolerated because encoding/json already ignores
// fields it doesn't recognize.
func Unmarshal(data []byte) (*TrackingRecord, error) {
	var r TrackingRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	r.sealed = true
	return &r, nil
}
