package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// Scheme selects the canonicalization a Bybit API generation expects. The two
// schemes are incompatible and must never be mixed on one request.
type Scheme int

const (
	// SchemeQueryString signs the sorted key=value&... form of the
	// parameters with api_key and timestamp injected into the set. Used by
	// the v2 generation, which embeds api_key/sign/timestamp in the body.
	SchemeQueryString Scheme = iota
	// SchemeCompactJSON signs timestamp + apiKey + recvWindow + compact
	// JSON body. Used by the v5 generation, which carries the credentials
	// in X-BAPI-* headers.
	SchemeCompactJSON
)

func (s Scheme) String() string {
	switch s {
	case SchemeQueryString:
		return "query_string"
	case SchemeCompactJSON:
		return "compact_json"
	}
	return "unknown"
}

// EncodingError reports a parameter value that cannot be serialized
// deterministically. It is fatal to the single request being signed.
type EncodingError struct {
	Key   string
	Value interface{}
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot canonicalize parameter %q of type %T", e.Key, e.Value)
}

// Signer produces Bybit request signatures from a shared API secret. It is
// pure over its inputs; timestamps are supplied by the caller in milliseconds.
type Signer struct {
	apiKey    string
	apiSecret string
}

func New(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret}
}

// APIKey returns the key the signer embeds into signed requests.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// SignQuery canonicalizes params under the query-string scheme. It returns
// the full parameter set with api_key, timestamp and sign injected, ready to
// be sent as the JSON body of a v2 request. The signature is computed over
// the keys sorted lexicographically and joined as key=value pairs with "&".
func (s *Signer) SignQuery(params map[string]interface{}, timestamp int64) (map[string]string, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return nil, err
	}
	canonical["api_key"] = s.apiKey
	canonical["timestamp"] = strconv.FormatInt(timestamp, 10)

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := ""
	for i, k := range keys {
		if i > 0 {
			payload += "&"
		}
		payload += k + "=" + canonical[k]
	}

	canonical["sign"] = s.mac(payload)
	return canonical, nil
}

// SignJSON canonicalizes params under the compact-JSON scheme. It returns the
// request body and the signature over timestamp + apiKey + recvWindow + body.
// The body has no whitespace after separators, matching what Bybit
// reconstructs server-side byte for byte.
func (s *Signer) SignJSON(params map[string]interface{}, timestamp, recvWindow int64) (body []byte, sig string, err error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return nil, "", err
	}
	// encoding/json writes map keys sorted and emits no extraneous
	// whitespace, so the body is deterministic.
	body, err = json.Marshal(canonical)
	if err != nil {
		return nil, "", &EncodingError{Value: params}
	}
	prehash := strconv.FormatInt(timestamp, 10) + s.apiKey + strconv.FormatInt(recvWindow, 10) + string(body)
	return body, s.mac(prehash), nil
}

// WSAuth signs the private-stream auth challenge for the given expiry
// timestamp (milliseconds). The signed literal is "GET/realtime<expiry>".
func (s *Signer) WSAuth(expiry int64) string {
	return s.mac("GET/realtime" + strconv.FormatInt(expiry, 10))
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, []byte(s.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(params map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(params)+3)
	for k, v := range params {
		s, err := canonicalValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

func canonicalValue(key string, value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case decimal.Decimal:
		return v.String(), nil
	case json.Number:
		return v.String(), nil
	}
	return "", &EncodingError{Key: key, Value: value}
}
