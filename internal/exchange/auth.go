package exchange

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Auth signs private Bithumb requests with the HMAC-SHA512 scheme.
//
// The signing string is `endpoint NUL urlencode(params) NUL nonce` where
// params are sorted by key. The signature is the Base64 encoding of the
// lowercase hex digest *string*, not of the raw digest bytes; the exchange
// verifies against exactly that form.
type Auth struct {
	connectKey string
	secretKey  []byte

	nonceMu sync.Mutex
	nonce   int64 // last emitted nonce, milliseconds
}

// NewAuth creates an Auth from the API key pair.
func NewAuth(connectKey, secretKey string) *Auth {
	return &Auth{
		connectKey: connectKey,
		secretKey:  []byte(secretKey),
	}
}

// HasCredentials reports whether an API key pair is configured.
func (a *Auth) HasCredentials() bool {
	return a.connectKey != "" && len(a.secretKey) > 0
}

// Nonce returns the current time in milliseconds as a decimal string,
// strictly increasing across calls even if the wall clock stalls or
// steps backwards.
func (a *Auth) Nonce() string {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	now := time.Now().UnixMilli()
	if now <= a.nonce {
		now = a.nonce + 1
	}
	a.nonce = now
	return strconv.FormatInt(now, 10)
}

// Headers produces the three auth headers for a private POST.
// The endpoint key must already be present in params.
func (a *Auth) Headers(endpoint string, params url.Values) map[string]string {
	nonce := a.Nonce()
	return map[string]string{
		"Api-Key":   a.connectKey,
		"Api-Sign":  a.sign(endpoint, params, nonce),
		"Api-Nonce": nonce,
	}
}

// sign computes the request signature for the given nonce.
// url.Values.Encode sorts keys and percent-escapes values, which matches
// the exchange's reference encoding.
func (a *Auth) sign(endpoint string, params url.Values, nonce string) string {
	base := endpoint + "\x00" + params.Encode() + "\x00" + nonce

	mac := hmac.New(sha512.New, a.secretKey)
	mac.Write([]byte(base))
	hexDigest := hex.EncodeToString(mac.Sum(nil))

	return base64.StdEncoding.EncodeToString([]byte(hexDigest))
}
