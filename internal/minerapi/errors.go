package minerapi

import "errors"

// Sentinel errors. Callers treat all of them as "unreachable"; they exist
// for diagnostics.
var (
	// ErrUnexpectedStatus is returned for any non-200 response.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrMalformedResponse is returned when the body is not a JSON object.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNotMiner is returned when the info document lacks identity fields.
	ErrNotMiner = errors.New("response does not identify a miner")
)
