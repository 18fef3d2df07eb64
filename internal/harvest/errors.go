package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscontinued reports a stream that is no longer served upstream.
	ErrDiscontinued = errors.New("harvest: stream is discontinued")

	// ErrNullMetadata reports a status document without an end_date outside
	// of a refresh run.
	ErrNullMetadata = errors.New("harvest: status has no end_date, run a refresh harvest to rebuild the store and its status")

	// ErrUpstreamUnavailable reports an upstream that could not answer. The
	// stage is retried.
	ErrUpstreamUnavailable = errors.New("harvest: upstream unavailable")

	// ErrNotReady reports a request whose output is not complete yet.
	ErrNotReady = errors.New("harvest: requested data is not ready")

	// ErrUpToDate reports that the store already holds the upstream data.
	ErrUpToDate = errors.New("harvest: no new data")

	// ErrNoData reports an estimate without data for the requested range.
	ErrNoData = errors.New("harvest: no data is available for harvesting")

	// ErrGoldcopyUnsupported reports a stream configured for a gold copy
	// harvest.
	ErrGoldcopyUnsupported = errors.New("harvest: gold copy harvest is not supported")

	// ErrResponseMissing reports that the cached request response named by
	// the status document no longer exists.
	ErrResponseMissing = errors.New("harvest: cached request response is missing")

	// ErrRequestTimeout reports a request that did not complete in time.
	ErrRequestTimeout = errors.New("harvest: data request timed out")

	// ErrNoFiles reports a completed request without result files for the
	// stream.
	ErrNoFiles = errors.New("harvest: request produced no result files")
)

// UpstreamError is a rejection returned by the M2M API for a data request.
type UpstreamError struct {
	StatusCode int
	Reason     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("harvest: upstream rejected the request: (%d) %s", e.StatusCode, e.Reason)
}
