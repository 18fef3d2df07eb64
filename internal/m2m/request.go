package m2m

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	harvesthttp "github.com/ligustah/harvest/internal/http"
)

// Request is a data request against one stream.
type Request struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
}

// Values returns the query parameters.
func (r Request) Values() url.Values {
	v := make(url.Values, len(r.Params))
	for k, p := range r.Params {
		v.Set(k, p)
	}
	return v
}

// NewRequest builds the request for stream s between begin and end. The
// estimate flag asks the API for a size and time estimate only.
func (c *Client) NewRequest(s Stream, begin, end time.Time, estimate bool) Request {
	return Request{
		URL: c.sensorURL(s.Platform, s.Mooring, s.Instrument, s.Method, s.Name),
		Params: map[string]string{
			"beginDT":            FormatTime(begin),
			"endDT":              FormatTime(end),
			"format":             "application/netcdf",
			"limit":              "-1",
			"execDPA":            "true",
			"include_provenance": "true",
			"estimate_only":      strconv.FormatBool(estimate),
			"email":              c.email,
		},
	}
}

// Estimate is the upstream answer to an estimate-only request.
type Estimate struct {
	Stream  Stream  `json:"-"`
	Request Request `json:"request"`

	RequestUUID string  `json:"requestUUID,omitempty"`
	SizeBytes   float64 `json:"sizeCalculation,omitempty"`
	TimeSeconds float64 `json:"timeCalculation,omitempty"`
	SubJobs     int     `json:"numberOfSubJobs,omitempty"`

	// StatusCode and Reason are set when the API rejected the estimate.
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Incremental is set when the range starts at the end of an existing
	// store.
	Incremental bool      `json:"zarr_exists"`
	RequestedAt time.Time `json:"request_dt"`
}

// Available reports whether the upstream has data for the range.
func (e *Estimate) Available() bool {
	return e.RequestUUID != ""
}

// Estimate asks the API how large a request for s between begin and end
// would be. A rejected estimate is not an error; the returned estimate is
// then not Available.
func (c *Client) Estimate(ctx context.Context, s Stream, begin, end time.Time) (*Estimate, error) {
	est := &Estimate{
		Stream:      s,
		Request:     c.NewRequest(s, begin, end, true),
		RequestedAt: c.now(),
	}
	var payload struct {
		RequestUUID string  `json:"requestUUID"`
		Size        float64 `json:"sizeCalculation"`
		Time        float64 `json:"timeCalculation"`
		SubJobs     int     `json:"numberOfSubJobs"`
	}
	err := c.getJSON(ctx, est.Request.URL, est.Request.Values(), &payload)
	var se *harvesthttp.StatusError
	switch {
	case err == nil:
		est.RequestUUID = payload.RequestUUID
		est.SizeBytes = payload.Size
		est.TimeSeconds = payload.Time
		est.SubJobs = payload.SubJobs
	case errors.As(err, &se) && se.Code < 500:
		est.StatusCode, est.Reason = se.Code, se.Reason
	default:
		return nil, fmt.Errorf("estimate %s: %w", s.TableName(), err)
	}
	est.Request.Params["estimate_only"] = "false"
	return est, nil
}

// Result locates the output of an asynchronous request.
type Result struct {
	RequestID       string            `json:"request_id,omitempty"`
	ThreddsCatalog  string            `json:"thredds_catalog,omitempty"`
	DownloadCatalog string            `json:"download_catalog,omitempty"`
	StatusURL       string            `json:"status_url,omitempty"`
	DataSize        float64           `json:"data_size,omitempty"`
	EstimatedTime   float64           `json:"estimated_time,omitempty"`
	Units           map[string]string `json:"units,omitempty"`
	RequestDT       string            `json:"request_dt"`

	// StatusCode and Reason carry an upstream rejection.
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Failed reports whether the upstream rejected the request.
func (r *Result) Failed() bool {
	return r.StatusCode != 0
}

// RequestedAt parses RequestDT.
func (r *Result) RequestedAt() (time.Time, error) {
	return ParseTime(r.RequestDT)
}

var resultUnits = map[string]string{
	"data_size":      "bytes",
	"estimated_time": "seconds",
	"request_dt":     "UTC",
}

type submitResponse struct {
	RequestUUID     string   `json:"requestUUID"`
	OutputURL       string   `json:"outputURL"`
	AllURLs         []string `json:"allURLs"`
	SizeCalculation float64  `json:"sizeCalculation"`
	TimeCalculation float64  `json:"timeCalculation"`
}

// Submit sends the data request. Upstream rejections are returned as a
// Failed result; errors are reserved for an unreachable upstream.
func (c *Client) Submit(ctx context.Context, req Request) (*Result, error) {
	res := &Result{RequestDT: c.now().Format("2006-01-02T15:04:05.999999")}

	var resp submitResponse
	err := c.getJSON(ctx, req.URL, req.Values(), &resp)
	var se *harvesthttp.StatusError
	switch {
	case err == nil:
	case errors.As(err, &se):
		res.StatusCode, res.Reason = se.Code, se.Reason
		return res, nil
	default:
		return nil, fmt.Errorf("submit request: %w", err)
	}

	catalog, download := splitURLs(resp.AllURLs)
	if catalog == "" {
		catalog = resp.OutputURL
	}
	if download == "" {
		res.StatusCode, res.Reason = 200, "response does not locate the request output"
		return res, nil
	}
	res.RequestID = resp.RequestUUID
	res.ThreddsCatalog = catalog
	res.DownloadCatalog = download
	res.StatusURL = download + "/status.txt"
	res.DataSize = resp.SizeCalculation
	res.EstimatedTime = resp.TimeCalculation
	res.Units = resultUnits
	return res, nil
}

// splitURLs picks the THREDDS catalog and the async download directory out
// of a response's URL list.
func splitURLs(urls []string) (catalog, download string) {
	for _, u := range urls {
		switch {
		case strings.Contains(u, "/thredds/catalog/"):
			catalog = u
		case strings.Contains(u, "async_results"):
			download = strings.TrimRight(u, "/")
		}
	}
	return catalog, download
}

// Ready reports whether the request output is complete, which the result
// server signals by publishing status.txt.
func (c *Client) Ready(ctx context.Context, res *Result) (bool, error) {
	if res.StatusURL == "" {
		return false, errors.New("m2m: result has no status url")
	}
	ok, err := c.http.Exists(ctx, res.StatusURL)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return ok, nil
}
