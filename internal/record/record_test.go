package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderJSONIsAlphabeticalAndStable(t *testing.T) {
	headers := map[string][]string{
		"User-Agent":      {"curl/8.0"},
		"Accept-Language": {"en-US"},
		"X-Forwarded-For": {"203.0.113.9", "10.0.0.1"},
	}

	first, err := HeaderJSON(headers)
	require.NoError(t, err)

	second, err := HeaderJSON(headers)
	require.NoError(t, err)

	require.Equal(t, first, second, "header JSON must be byte-identical across calls with the same input")
	require.Contains(t, first, `"Accept-Language"`)
	require.Contains(t, first, `"X-Forwarded-For"`)
}

func TestRecordRoundTrip(t *testing.T) {
	r := &TrackingRecord{
		RecordID:    NewRecordID(),
		CompanyID:   "42",
		PixelID:     "7",
		CapturedAt:  time.Now().UTC().Truncate(time.Millisecond),
		ClientIP:    "203.0.113.9",
		RequestPath: "/42/7/anything",
		QueryString: "x=1",
		HeadersJSON: `{"User-Agent":"curl/8.0"}`,
	}
	r.Seal()

	data, err := r.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	require.Equal(t, r.CompanyID, got.CompanyID)
	require.Equal(t, r.PixelID, got.PixelID)
	require.Equal(t, r.ClientIP, got.ClientIP)
	require.Equal(t, r.QueryString, got.QueryString)
	require.Equal(t, r.HeadersJSON, got.HeadersJSON)
	require.True(t, r.CapturedAt.Equal(got.CapturedAt))
	require.True(t, got.Valid())
}

func TestRecordValidRequiresCompanyAndPixel(t *testing.T) {
	r := &TrackingRecord{}
	require.False(t, r.Valid())

	r.CompanyID = "42"
	require.False(t, r.Valid())

	r.PixelID = "7"
	require.True(t, r.Valid())
}

func TestUnmarshalToleratesUnknownKeys(t *testing.T) {
	data := []byte(`{"company_id":"42","pixel_id":"7","totally_unknown_field":"ignored"}`)
	r, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "42", r.CompanyID)
	require.True(t, r.Sealed())
}
