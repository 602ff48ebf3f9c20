package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/behaviour"
	"github.com/ocx/backend/internal/cidrtrie"
	"github.com/ocx/backend/internal/geocache"
	"github.com/ocx/backend/internal/record"
)

type captureSink struct {
	got *record.TrackingRecord
}

func (s *captureSink) Offer(_ context.Context, r *record.TrackingRecord, _ time.Duration) bool {
	s.got = r
	return true
}

type blockingSink struct{}

func (blockingSink) Offer(_ context.Context, _ *record.TrackingRecord, _ time.Duration) bool {
	return false
}

type recordingFailover struct {
	got *record.TrackingRecord
}

func (f *recordingFailover) Write(r *record.TrackingRecord) error {
	f.got = r
	return nil
}

func newTestHandler(sink HandoffSink, failover FailoverSink) *Handler {
	trie := cidrtrie.NewStore()
	trie.Refresh([]cidrtrie.Range{{CIDR: "10.0.0.0/8", Provider: "AWS"}})

	bhv := behaviour.NewManager(behaviour.Config{})
	geo := geocache.New(geocache.Config{}, &geocache.StaticColdStore{Table: map[string]*geocache.Entry{}})

	return NewHandler(Config{}, trie, bhv, geo, sink, failover)
}

func TestHappyPathReturnsGIFAndCapturesRecord(t *testing.T) {
	sink := &captureSink{}
	h := newTestHandler(sink, nil)

	router := mux.NewRouter()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/42/7/anything?x=1", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rw := httptest.NewRecorder()

	router.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, "image/gif", rw.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rw.Header().Get("Cache-Control"))
	require.Len(t, rw.Body.Bytes(), 43)

	require.NotNil(t, sink.got)
	require.Equal(t, "42", sink.got.CompanyID)
	require.Equal(t, "7", sink.got.PixelID)
	require.Equal(t, "203.0.113.9", sink.got.ClientIP)
	require.Equal(t, "x=1", sink.got.QueryString)
	require.True(t, sink.got.Sealed())
}

func TestMalformedPathReturnsGIFButDoesNotEmit(t *testing.T) {
	sink := &captureSink{}
	h := newTestHandler(sink, nil)

	router := mux.NewRouter()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)

	require.Len(t, rw.Body.Bytes(), 43)
	require.Nil(t, sink.got)
}

func TestHandoffTimeoutSpillsToFailover(t *testing.T) {
	fo := &recordingFailover{}
	h := newTestHandler(blockingSink{}, fo)

	router := mux.NewRouter()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/42/7/x", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)

	require.Len(t, rw.Body.Bytes(), 43)
	require.NotNil(t, fo.got)
	require.Equal(t, "42", fo.got.CompanyID)
}

func TestClientIPExtractionSkipsTrustedProxies(t *testing.T) {
	sink := &captureSink{}
	trie := cidrtrie.NewStore()
	bhv := behaviour.NewManager(behaviour.Config{})
	geo := geocache.New(geocache.Config{}, &geocache.StaticColdStore{Table: map[string]*geocache.Entry{}})

	h := NewHandler(Config{TrustedProxies: []string{"10.0.0.0/8"}}, trie, bhv, geo, sink, nil)
	router := mux.NewRouter()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/42/7/x", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.1.2.3")
	req.RemoteAddr = "10.1.2.3:1234"
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)

	require.NotNil(t, sink.got)
	require.Equal(t, "198.51.100.4", sink.got.ClientIP)
	require.Equal(t, 1, sink.got.ProxyDepth)
}
