// sign.go builds and signs request parameter strings for the Aster
// futures REST API.
//
// The venue authenticates requests with an HMAC-SHA256 signature computed
// over the exact query/body string sent on the wire. To keep the signed
// bytes and the transmitted bytes identical, parameters are kept as an
// ordered list (insertion order, never re-sorted) and URL-encoded once;
// the signature is appended as the final parameter after signing.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Params is an ordered parameter list. Unlike url.Values it preserves
// insertion order, which the signing contract depends on.
type Params struct {
	pairs []paramPair
}

type paramPair struct {
	key   string
	value string
}

// NewParams creates an empty parameter list.
func NewParams() *Params {
	return &Params{}
}

// Set appends a key/value pair. Setting the same key twice appends twice;
// callers build each request fresh.
func (p *Params) Set(key, value string) *Params {
	p.pairs = append(p.pairs, paramPair{key: key, value: value})
	return p
}

// SetInt appends an integer parameter.
func (p *Params) SetInt(key string, v int64) *Params {
	return p.Set(key, strconv.FormatInt(v, 10))
}

// SetFloat appends a float parameter in the venue's shortest decimal form.
func (p *Params) SetFloat(key string, v float64) *Params {
	return p.Set(key, strconv.FormatFloat(v, 'f', -1, 64))
}

// SetBool appends a boolean parameter as "true"/"false".
func (p *Params) SetBool(key string, v bool) *Params {
	return p.Set(key, strconv.FormatBool(v))
}

// Get returns the first value for a key, or "".
func (p *Params) Get(key string) string {
	for _, pair := range p.pairs {
		if pair.key == key {
			return pair.value
		}
	}
	return ""
}

// Len returns the number of pairs.
func (p *Params) Len() int { return len(p.pairs) }

// Encode serializes the list as key=value&key=value in insertion order,
// URL-encoding both keys and values exactly as they go on the wire.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, pair := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair.value))
	}
	return b.String()
}

// Signer signs parameter strings with the account secret key.
type Signer struct {
	secretKey []byte
	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewSigner creates a signer for the given secret.
func NewSigner(secretKey string) *Signer {
	return &Signer{secretKey: []byte(secretKey), now: time.Now}
}

const recvWindowMs = 5000

// Sign appends timestamp and recvWindow, computes HMAC-SHA256 over the
// encoded string, appends signature as the final parameter, and returns
// the full wire string. The input Params is mutated; the returned string
// is exactly what must be transmitted.
func (s *Signer) Sign(p *Params) string {
	p.SetInt("timestamp", s.now().UnixMilli())
	p.SetInt("recvWindow", recvWindowMs)

	payload := p.Encode()
	sig := s.signature(payload)
	return payload + "&signature=" + sig
}

// signature computes the hex HMAC-SHA256 of the payload.
func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
