// Package enrich implements the enrichment pipeline that runs inside Forge:
// drain the enrichment handoff channel, fill in anything the
// Edge's geo cache missed, re-evaluate behaviour flags against Forge's
// authoritative windows, validate, and emit to the writer channel.
package enrich

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/ocx/backend/internal/behaviour"
	"github.com/ocx/backend/internal/geocache"
	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/record"
)

// Pipeline drains in from Forge's enrichment channel and feeds validated,
// enriched records into out.
type Pipeline struct {
	in *handoff.Channel
	out *handoff.Channel

	behaviour *behaviour.Manager
	geo *geocache.Cache

	logger *log.Logger

	invalidCount int64
}

// New wires a Pipeline. behaviour and geo are Forge's own instances — not
// necessarily the same ones Capture consulted at the Edge, since the two
// processes may run on separate hosts: this re-evaluates against the
// authoritative windows in Forge.
func New(in, out *handoff.Channel, bhv *behaviour.Manager, geo *geocache.Cache) *Pipeline {
	return &Pipeline{
		in: in,
		out: out,
		behaviour: bhv,
		geo: geo,
		logger: log.New(log.Writer(), "[ENRICH] ", log.LstdFlags),
	}
}

// Run drains in, enriching and forwarding to out, until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		r, ok := p.in.Receive(ctx)
		if !ok {
			return
		}
		p.process(ctx, r)
	}
}

func (p *Pipeline) process(ctx context.Context, r *record.TrackingRecord) {
	if !r.Valid() {
		p.invalidCount++
		p.logger.Printf("dropping invalid record %s: missing company or pixel id", r.RecordID)
		return
	}

	// Enrich a copy so the handed-off record itself is never mutated.
	enriched := *r
	r = &enriched

	now := time.Now().UTC()
	ip := net.ParseIP(r.ClientIP)

	if !r.GeoHit && ip != nil {
		if entry, ok := p.geo.Get(r.ClientIP, now); ok {
			r.GeoHit = true
			r.GeoCountry = entry.Country
			r.GeoRegion = entry.Region
			r.GeoCity = entry.City
			r.GeoLat = entry.Lat
			r.GeoLon = entry.Lon
			r.GeoTZ = entry.TZ
		}
	}

	if ip != nil && p.behaviour != nil {
		flags := p.behaviour.Record(ip, now, r.FingerprintHash)
		r.RapidFire = r.RapidFire || flags.RapidFire
		r.HighVelocity = r.HighVelocity || flags.HighVelocity
		r.Unstable = r.Unstable || flags.Unstable
	}

	// Send blocks indefinitely (bounded only by ctx) by design: back-
	// pressure into enrichment is the intended contract once Forge's
	// writer stage falls behind.
	p.out.Send(ctx, r, 0)
}

// InvalidCount reports how many records have been dropped for failing
// validation.
func (p *Pipeline) InvalidCount() int64 { return p.invalidCount }
