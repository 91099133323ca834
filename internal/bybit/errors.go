package bybit

import "fmt"

// UpstreamHTTPError reports a non-2xx HTTP status from the exchange after the
// bounded retry policy has been exhausted.
type UpstreamHTTPError struct {
	Status int
	Body   string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("bybit returned HTTP %d: %s", e.Status, e.Body)
}

// OrderRejected reports a well-formed exchange envelope with a non-zero
// return code. Message carries the exchange's diagnostic text verbatim.
type OrderRejected struct {
	Code    int
	Message string
}

func (e *OrderRejected) Error() string {
	return fmt.Sprintf("order rejected (code %d): %s", e.Code, e.Message)
}

// MalformedResponse reports a response body that does not parse as the
// expected exchange envelope.
type MalformedResponse struct {
	RawBody string
}

func (e *MalformedResponse) Error() string {
	return fmt.Sprintf("malformed bybit response: %s", e.RawBody)
}
