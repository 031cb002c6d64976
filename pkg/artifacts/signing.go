package artifacts

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/siderealhq/agentd/pkg/ids"
)

// DefaultTTL is the lifetime of a signed artifact URL.
const DefaultTTL = 900 * time.Second

// Sign computes the retrieval signature for key expiring at exp (unix
// seconds): hex(HMAC-SHA256(secret, key || "|" || exp)).
func Sign(secret []byte, key string, exp int64) string {
	return ids.MAC(secret, fmt.Sprintf("%s|%d", key, exp))
}

// Verify reports whether sig authorizes a GET of key until exp. Expiry is
// checked first; the signature compare is constant-time.
func Verify(secret []byte, key string, exp int64, sig string) bool {
	if exp <= time.Now().Unix() {
		return false
	}
	return ids.VerifyMAC(secret, fmt.Sprintf("%s|%d", key, exp), sig)
}

// SignedURL composes the public retrieval URL for key.
func SignedURL(origin string, secret []byte, key string, exp int64) string {
	sig := Sign(secret, key, exp)

	// Keys are slash-separated hex segments; escape each segment so the
	// path stays shaped like the key.
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)

	return strings.TrimSuffix(origin, "/") + "/agent/artifacts/" + strings.Join(segs, "/") + "?" + q.Encode()
}
