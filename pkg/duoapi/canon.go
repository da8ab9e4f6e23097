package duoapi

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// Params is an ordered-by-key parameter set for one API call.
// Keys are unique; values are used exactly as provided.
type Params map[string]string

// rfc2822 is the Date header format the upstream signs against.
// time.RFC1123Z matches RFC 2822 for Go's formatter.
const rfc2822 = "Mon, 02 Jan 2006 15:04:05 -0700"

// canonParams serializes params deterministically: keys sorted by byte
// order, both keys and values percent-encoded per RFC 3986, joined as
// k=v&k=v. Two calls with the same logical parameters yield byte-identical
// output regardless of map iteration or insertion order.
func canonParams(params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, encodeRFC3986(k)+"="+encodeRFC3986(params[k]))
	}
	return strings.Join(parts, "&")
}

// encodeRFC3986 percent-encodes s, escaping everything except the RFC 3986
// unreserved set. url.QueryEscape is not usable here: it emits '+' for
// space and leaves characters the upstream's verifier escapes, which would
// break signature agreement.
func encodeRFC3986(s string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

// canonRequest builds the string the signature is computed over:
// date, uppercase method, lowercase host, path, and canonical parameters,
// joined by newlines.
func canonRequest(date, method, host, path string, params Params) string {
	return strings.Join([]string{
		date,
		strings.ToUpper(method),
		strings.ToLower(host),
		path,
		canonParams(params),
	}, "\n")
}

// sign computes the hex HMAC-SHA512 of the canonical request under skey.
func sign(skey, date, method, host, path string, params Params) string {
	mac := hmac.New(sha512.New, []byte(skey))
	mac.Write([]byte(canonRequest(date, method, host, path, params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// basicAuth builds the Authorization header value: the integration key as
// username, the request signature as password.
func basicAuth(ikey, signature string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(ikey+":"+signature))
}
