package capture

import (
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint computes a stable hash of the small client-attribute tuple
// defines: (user-agent, accept-language, sec-ch-ua, canvas-hint,
// webgl-hint if present in the query string). blake2b-256 gives a
// well-distributed, fixed-width key suitable for the sharded behaviour maps
// in internal/behaviour without the collision profile of a checksum hash.
func Fingerprint(userAgent, acceptLanguage, secChUA string, query url.Values) string {
	var b strings.Builder
	b.WriteString(userAgent)
	b.WriteByte('\x00')
	b.WriteString(acceptLanguage)
	b.WriteByte('\x00')
	b.WriteString(secChUA)
	b.WriteByte('\x00')
	b.WriteString(query.Get("canvas"))
	b.WriteByte('\x00')
	if webgl := query.Get("webgl"); webgl != "" {
		b.WriteString(webgl)
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
