package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/harvest/internal/m2m"
	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/pkg/zarr"
)

// CachePrefix is the folder of cached request responses in the cache
// bucket.
const CachePrefix = "ooinet-requests"

const (
	suffixRefresh = "__refresh"
	suffixDaily   = "__daily"
)

// CacheKey returns the cache object of a request for table made at at.
// Refresh requests are cached for the month, daily ones for the minute.
func CacheKey(table string, at time.Time, refresh bool) string {
	at = at.UTC()
	if refresh {
		return CachePrefix + "/" + table + "__" + at.Format("200601") + suffixRefresh
	}
	return CachePrefix + "/" + table + "__" + at.Format("20060102T1504") + suffixDaily
}

// cacheObject turns a data_response reference into a key of the cache
// bucket. Older status documents hold the full URL of the object.
func cacheObject(ref string) string {
	if i := strings.Index(ref, CachePrefix+"/"); i >= 0 {
		return ref[i:]
	}
	return ref
}

// Response is a cached data request with the upstream answer.
type Response struct {
	Key      string        `json:"-"`
	Table    string        `json:"table_name"`
	Request  m2m.Request   `json:"request"`
	Estimate *m2m.Estimate `json:"estimated,omitempty"`
	Result   *m2m.Result   `json:"result"`
}

// Requester estimates and submits data requests and keeps their responses
// in the cache bucket.
type Requester struct {
	upstream Upstream
	cache    *blob.Bucket
	buckets  *Buckets
	commit   *committer
	now      func() time.Time
}

// Request runs the request stage: it confirms the stream is still listed,
// estimates the range to fetch and submits the request. Every outcome is
// recorded in the status document.
func (r *Requester) Request(ctx context.Context, j *Job) Result {
	table := j.ID.TableName()
	st, err := r.upstream.FindStream(ctx, j.ID.Instrument(), j.ID.Method(), j.ID.Stream())
	switch {
	case errors.Is(err, m2m.ErrStreamNotFound):
		derr := fmt.Errorf("%w: %s is not listed upstream", ErrDiscontinued, table)
		if cerr := r.commit.commit(ctx, j, status.PhaseDiscontinued, status.Change{Error: derr}, func(rec *status.Record) {
			rec.SetLastRefresh(r.now())
		}); cerr != nil {
			return fatal(cerr)
		}
		return skip(derr)
	case err != nil:
		return classify(unavailable(err))
	}
	j.stream = st

	if j.Options.Goldcopy {
		if err := r.commit.commit(ctx, j, status.PhaseRequestFailed, status.Change{Error: ErrGoldcopyUnsupported}); err != nil {
			return fatal(err)
		}
		return skip(ErrGoldcopyUnsupported)
	}

	est, err := r.Estimate(ctx, j)
	if err != nil {
		return classify(err)
	}
	if !est.Available() {
		if err := r.commit.commit(ctx, j, status.PhaseRequestFailed, status.Change{Error: ErrNoData}); err != nil {
			return fatal(err)
		}
		return skip(ErrNoData)
	}
	j.Logger.Info("request estimated",
		"begin", est.Request.Params["beginDT"], "end", est.Request.Params["endDT"],
		"bytes", int64(est.SizeBytes), "seconds", est.TimeSeconds, "incremental", est.Incremental)

	resp, err := r.Perform(ctx, j, est)
	if err != nil {
		return classify(err)
	}
	if resp.Result.Failed() {
		uerr := &UpstreamError{StatusCode: resp.Result.StatusCode, Reason: resp.Result.Reason}
		if err := r.commit.commit(ctx, j, status.PhaseRequestFailed, status.Change{Error: uerr, DataResponse: resp.Key}); err != nil {
			return fatal(err)
		}
		return fatal(uerr)
	}
	if err := r.commit.commit(ctx, j, status.PhaseRequested, status.Change{DataResponse: resp.Key}); err != nil {
		return fatal(err)
	}
	j.response = resp
	return proceed()
}

// Estimate asks upstream for the size of the next request. Outside of a
// refresh an existing store is continued from its last time up to now;
// otherwise the custom range or the stream's catalogued range applies.
func (r *Requester) Estimate(ctx context.Context, j *Job) (*m2m.Estimate, error) {
	if j.stream == nil {
		return nil, errors.New("harvest: estimate without a stream descriptor")
	}
	begin, end := j.stream.BeginTime, j.stream.EndTime
	incremental := false
	if !j.Refresh {
		last, ok, err := r.lastStoredTime(ctx, j)
		if err != nil {
			return nil, err
		}
		if ok {
			begin, end, incremental = last, r.now(), true
		}
	}
	if !incremental {
		if !j.Options.Range.Start.IsZero() {
			begin = j.Options.Range.Start
		}
		if !j.Options.Range.End.IsZero() {
			end = j.Options.Range.End
		}
	}
	est, err := r.upstream.Estimate(ctx, *j.stream, begin, end)
	if err != nil {
		return nil, unavailable(err)
	}
	est.Incremental = incremental
	return est, nil
}

// lastStoredTime returns the last time of the canonical store, if there is
// one with a time axis.
func (r *Requester) lastStoredTime(ctx context.Context, j *Job) (time.Time, bool, error) {
	bucket, err := r.buckets.Open(ctx, j.Options.Path)
	if err != nil {
		return time.Time{}, false, err
	}
	table := j.ID.TableName()
	ok, err := zarr.Exists(ctx, bucket, table)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	st, err := zarr.Open(ctx, bucket, table)
	if err != nil {
		return time.Time{}, false, err
	}
	last, err := st.LastTime(ctx)
	if errors.Is(err, zarr.ErrNoTime) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last, true, nil
}

// Perform submits the request behind est, or reuses the response cached
// for the same table and period unless the job forces a new harvest. A
// refresh consults the gold copy catalog before submitting.
func (r *Requester) Perform(ctx context.Context, j *Job, est *m2m.Estimate) (*Response, error) {
	table := j.ID.TableName()
	key := CacheKey(table, r.now(), j.Refresh)

	if !j.Options.ForceHarvest {
		resp, err := r.load(ctx, key)
		if err == nil {
			j.Logger.Info("reusing cached request", "key", key)
			return resp, nil
		}
		if !errors.Is(err, ErrResponseMissing) {
			return nil, err
		}
	}

	var result *m2m.Result
	if j.Refresh && !j.Options.ForceHarvest {
		gold, err := r.upstream.GoldCopy(ctx, table)
		switch {
		case err != nil:
			j.Logger.Warn("gold copy lookup failed", "error", err)
		case gold != nil:
			j.Logger.Info("using gold copy result", "catalog", gold.ThreddsCatalog)
			result = gold
		}
	}
	if result == nil {
		var err error
		if result, err = r.upstream.Submit(ctx, est.Request); err != nil {
			return nil, unavailable(err)
		}
	}

	resp := &Response{Key: key, Table: table, Request: est.Request, Estimate: est, Result: result}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("harvest: encode response: %w", err)
	}
	if err := r.cache.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return nil, fmt.Errorf("harvest: cache response %s: %w", key, err)
	}
	return resp, nil
}

// Response loads the cached response of a pending request. When the cached
// object has disappeared the record is reset so the next run starts over:
// a daily request counts as processed, a refresh as never run.
func (r *Requester) Response(ctx context.Context, j *Job) Result {
	key := cacheObject(j.Record.DataResponse)
	resp, err := r.load(ctx, key)
	if err == nil {
		j.response = resp
		return proceed()
	}
	if !errors.Is(err, ErrResponseMissing) {
		return fatal(err)
	}

	j.Logger.Warn("cached request response missing", "key", key)
	switch {
	case strings.HasSuffix(key, suffixDaily):
		if cerr := r.commit.commit(ctx, j, status.PhaseProcessed, status.Change{}); cerr != nil {
			return fatal(cerr)
		}
	case strings.HasSuffix(key, suffixRefresh):
		if cerr := r.commit.commit(ctx, j, status.PhaseIdle, status.Change{}, func(rec *status.Record) {
			rec.SetLastRefresh(time.Time{})
		}); cerr != nil {
			return fatal(cerr)
		}
	default:
		return fatal(err)
	}
	return skip(err)
}

func (r *Requester) load(ctx context.Context, key string) (*Response, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: no response recorded", ErrResponseMissing)
	}
	data, err := r.cache.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrResponseMissing, key)
	}
	if err != nil {
		return nil, fmt.Errorf("harvest: read response %s: %w", key, err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("harvest: decode response %s: %w", key, err)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("harvest: response %s has no result", key)
	}
	resp.Key = key
	return &resp, nil
}
