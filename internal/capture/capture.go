// Package capture implements the hot-path HTTP pixel endpoint: parse one
// request, classify it, hand it off — all synchronous
// and bounded, with the fixed GIF response written before any of that work
// begins.
package capture

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/behaviour"
	"github.com/ocx/backend/internal/cidrtrie"
	"github.com/ocx/backend/internal/geocache"
	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/record"
)

// pixelGIF is the fixed 43-byte transparent GIF returned for every pixel
// request, well-formed or not.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x21,
	0xF9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2C, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3B,
}

func init() {
	if len(pixelGIF) != 43 {
		panic("pixelGIF must be exactly 43 bytes")
	}
}

// HandoffSink abstracts where a sealed record goes next: the Edge's pipe
// client in production, or a direct in-memory handoff.Channel in tests and
// in any single-process deployment. Both satisfy this with the Offer
// method below, so capture never imports internal/pipeline directly.
type HandoffSink interface {
	// Offer attempts to hand off r within deadline. ok is false if the
	// sink could not accept the record in time (the caller then spills to
	// failover).
	Offer(ctx context.Context, r *record.TrackingRecord, deadline time.Duration) (ok bool)
}

// ChannelSink adapts a handoff.Channel to HandoffSink for same-process
// wiring (e.g. tests, or an Edge/Forge deployment collapsed into one
// binary).
type ChannelSink struct {
	Channel *handoff.Channel
}

func (s ChannelSink) Offer(ctx context.Context, r *record.TrackingRecord, deadline time.Duration) bool {
	return s.Channel.Send(ctx, r, deadline) == handoff.Sent
}

// FailoverSink is invoked whenever the primary HandoffSink could not accept
// a record within its deadline: a transient pipe stall does not spill
// already-handed-off records back to disk — only this per-record decision
// spills.
type FailoverSink interface {
	Write(r *record.TrackingRecord) error
}

// Config controls capture behaviour.
type Config struct {
	// TrustedProxies lists CIDRs whose presence in the forwarded-for
	// chain should be skipped when hunting for the client IP.
	// Loopback is always implicitly trusted.
	TrustedProxies []string
	// HandoffDeadline bounds how long Offer may block before capture
	// spills the record to failover (default 5ms).
	HandoffDeadline time.Duration
}

// Handler implements the pixel HTTP endpoint.
type Handler struct {
	cfg Config

	trie *cidrtrie.Store
	behaviour *behaviour.Manager
	geo *geocache.Cache
	sink HandoffSink
	failover FailoverSink
	trustedNet []*net.IPNet

	logger *log.Logger
	metrics *metrics.Metrics
}

// NewHandler wires a capture Handler from its collaborators.
func NewHandler(cfg Config, trie *cidrtrie.Store, bhv *behaviour.Manager, geo *geocache.Cache, sink HandoffSink, failover FailoverSink) *Handler {
	if cfg.HandoffDeadline <= 0 {
		cfg.HandoffDeadline = 5 * time.Millisecond
	}

	h := &Handler{
		cfg: cfg,
		trie: trie,
		behaviour: bhv,
		geo: geo,
		sink: sink,
		failover: failover,
		logger: log.New(log.Writer(), "[CAPTURE] ", log.LstdFlags),
	}
	for _, cidr := range cfg.TrustedProxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			h.logger.Printf("skipping invalid trusted proxy CIDR %q: %v", cidr, err)
			continue
		}
		h.trustedNet = append(h.trustedNet, network)
	}
	return h
}

// WithMetrics attaches Prometheus instrumentation: every ServeHTTP call
// after this records CaptureRequestsTotal/CaptureLatency, and every
// datacenter-classified request records CaptureDatacenterHits. Returns h for
// chaining at construction.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// Register mounts the pixel route onto r using gorilla/mux's path
// templating, and makes h the router's not-found handler so a malformed
// path still gets the pixel (and is dropped without a record).
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/{company}/{pixel}/{rest:.*}", h.ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/{company}/{pixel}", h.ServeHTTP).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(h.ServeHTTP)
}

// ServeHTTP always writes the fixed pixel response first, then performs
// capture synchronously. Any failure past that point is logged and the
// record dropped — the caller already has their pixel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Printf("recovered from panic during capture: %v", rec)
		}
	}()

	outcome := h.capture(r)
	h.metrics.ObserveCapture(outcome, time.Since(start))
}

func (h *Handler) capture(r *http.Request) string {
	vars := mux.Vars(r)
	companyID := vars["company"]
	pixelID := vars["pixel"]
	if companyID == "" || pixelID == "" {
		return "dropped"
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	clientIP, chain, proxyDepth := h.extractClientIP(r)

	headersJSON, err := record.HeaderJSON(r.Header)
	if err != nil {
		h.logger.Printf("header JSON build failed: %v", err)
		return "dropped"
	}

	secChUA := r.Header.Get("Sec-Ch-Ua")
	fp := Fingerprint(r.UserAgent(), r.Header.Get("Accept-Language"), secChUA, r.URL.Query())

	rec := &record.TrackingRecord{
		RecordID: record.NewRecordID(),
		CompanyID: companyID,
		PixelID: pixelID,
		CapturedAt: now,
		ClientIP: clientIP,
		ForwardedChain: chain,
		ProxyDepth: proxyDepth,
		RequestPath: r.URL.Path,
		QueryString: r.URL.RawQuery,
		UserAgent: r.UserAgent(),
		Referer: r.Referer(),
		HeadersJSON: headersJSON,
		FingerprintHash: fp,
	}

	if ip := net.ParseIP(clientIP); ip != nil {
		isDC, provider := h.trie.Lookup(ip)
		rec.IsDatacenter = isDC
		rec.DatacenterProvider = provider
		if isDC {
			h.metrics.IncDatacenterHit(provider)
		}

		flags := h.behaviour.Record(ip, now, fp)
		rec.RapidFire = flags.RapidFire
		rec.HighVelocity = flags.HighVelocity
		rec.Unstable = flags.Unstable

		if entry, ok := h.geo.Get(clientIP, now); ok {
			rec.GeoHit = true
			rec.GeoCountry = entry.Country
			rec.GeoRegion = entry.Region
			rec.GeoCity = entry.City
			rec.GeoLat = entry.Lat
			rec.GeoLon = entry.Lon
			rec.GeoTZ = entry.TZ
		}
	}

	rec.Seal()
	return h.handOff(rec)
}

func (h *Handler) handOff(rec *record.TrackingRecord) string {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandoffDeadline)
	defer cancel()

	if h.sink.Offer(ctx, rec, h.cfg.HandoffDeadline) {
		return "handed_off"
	}

	if h.failover == nil {
		h.logger.Printf("handoff deadline exceeded for record %s and no failover sink configured; record dropped", rec.RecordID)
		return "dropped"
	}
	if err := h.failover.Write(rec); err != nil {
		h.logger.Printf("failover write failed for record %s: %v", rec.RecordID, err)
		return "dropped"
	}
	return "failover"
}

// extractClientIP walks the forwarded-for chain right-to-left, skipping
// known proxy addresses (loopback and configured trusted CIDRs), and takes
// the first remaining entry. If nothing remains, it falls back to the
// direct peer.
func (h *Handler) extractClientIP(r *http.Request) (clientIP string, chain []string, proxyDepth int) {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := splitAndTrim(xff)
		chain = parts
		for i := len(parts) - 1; i >= 0; i-- {
			ip := net.ParseIP(parts[i])
			if ip == nil {
				continue
			}
			if h.isTrustedProxy(ip) {
				proxyDepth++
				continue
			}
			return parts[i], chain, proxyDepth
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, chain, proxyDepth
}

func (h *Handler) isTrustedProxy(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	for _, n := range h.trustedNet {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := trimSpace(s[start:i])
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}
