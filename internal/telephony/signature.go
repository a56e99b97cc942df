package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signature computes Twilio's request signature: the base64 HMAC-SHA1,
// keyed by the auth token, of the full request URL followed by every
// POST parameter name and value sorted by name.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether r carries a correct signature. The URL
// Twilio signed is publicURL (the externally visible base) joined with
// the request URI as received, before any prefix stripping.
func ValidSignature(r *http.Request, authToken, publicURL string) bool {
	got := r.Header.Get(SignatureHeader)
	if got == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	full := strings.TrimRight(publicURL, "/") + uri
	want := Signature(authToken, full, r.PostForm)
	return hmac.Equal([]byte(got), []byte(want))
}

// RequireSignature rejects requests without a valid Twilio signature.
func RequireSignature(authToken, publicURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidSignature(r, authToken, publicURL) {
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
