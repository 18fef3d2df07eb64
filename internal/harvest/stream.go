package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ligustah/harvest/internal/config"
	"github.com/ligustah/harvest/internal/m2m"
)

// StreamIdentity names one stream of an observatory instrument.
type StreamIdentity struct {
	instrument string
	method     string
	stream     string
}

// NewStreamIdentity validates and returns a stream identity.
func NewStreamIdentity(instrument, method, stream string) (StreamIdentity, error) {
	for _, part := range []struct{ name, value string }{
		{"instrument", instrument},
		{"method", method},
		{"stream", stream},
	} {
		if strings.TrimSpace(part.value) == "" {
			return StreamIdentity{}, fmt.Errorf("harvest: %s cannot be empty", part.name)
		}
	}
	return StreamIdentity{
		instrument: strings.TrimSpace(instrument),
		method:     strings.TrimSpace(method),
		stream:     strings.TrimSpace(stream),
	}, nil
}

// Instrument returns the reference designator.
func (s StreamIdentity) Instrument() string { return s.instrument }

// Method returns the delivery method.
func (s StreamIdentity) Method() string { return s.method }

// Stream returns the stream name.
func (s StreamIdentity) Stream() string { return s.stream }

// TableName returns instrument-method-stream, the key used for the status
// document, the request cache and the array store.
func (s StreamIdentity) TableName() string {
	return s.instrument + "-" + s.method + "-" + s.stream
}

func (s StreamIdentity) String() string { return s.TableName() }

// TimeRange bounds a request. A zero side is unset.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// HarvestOptions are the per-stream settings of a run.
type HarvestOptions struct {
	// Path is the URL of the bucket holding the stream's array store.
	Path         string
	ForceHarvest bool
	Refresh      bool
	Goldcopy     bool
	Range        TimeRange
}

// NewHarvestOptions converts and validates the options of a stream config.
func NewHarvestOptions(o config.HarvestOptions) (HarvestOptions, error) {
	opts := HarvestOptions{
		Path:         strings.TrimSpace(o.Path),
		ForceHarvest: o.ForceHarvest,
		Refresh:      o.Refresh,
		Goldcopy:     o.Goldcopy,
	}
	var err error
	if s := strings.TrimSpace(o.CustomRange.Start); s != "" {
		if opts.Range.Start, err = m2m.ParseTime(s); err != nil {
			return HarvestOptions{}, fmt.Errorf("harvest: custom_range.start: %w", err)
		}
	}
	if s := strings.TrimSpace(o.CustomRange.End); s != "" {
		if opts.Range.End, err = m2m.ParseTime(s); err != nil {
			return HarvestOptions{}, fmt.Errorf("harvest: custom_range.end: %w", err)
		}
	}
	if err := opts.Validate(); err != nil {
		return HarvestOptions{}, err
	}
	return opts, nil
}

// Validate checks the destination and the custom range.
func (o HarvestOptions) Validate() error {
	if o.Path == "" {
		return errors.New("harvest: destination path cannot be empty")
	}
	if !o.Range.Start.IsZero() && !o.Range.End.IsZero() && !o.Range.End.After(o.Range.Start) {
		return fmt.Errorf("harvest: custom range end %s is not after start %s",
			o.Range.End.Format(time.RFC3339), o.Range.Start.Format(time.RFC3339))
	}
	return nil
}

// Target is one stream to harvest with its options.
type Target struct {
	ID      StreamIdentity
	Options HarvestOptions
}

// TargetFromConfig builds a Target from a stream config file.
func TargetFromConfig(sc config.StreamConfig) (Target, error) {
	id, err := NewStreamIdentity(sc.Instrument, sc.Stream.Method, sc.Stream.Name)
	if err != nil {
		return Target{}, err
	}
	opts, err := NewHarvestOptions(sc.HarvestOptions)
	if err != nil {
		return Target{}, fmt.Errorf("%s: %w", id, err)
	}
	return Target{ID: id, Options: opts}, nil
}

// Location returns the URL of the store of table inside the bucket at
// bucketURL, as recorded in the status document. Query parameters of the
// bucket URL are dropped.
func Location(bucketURL, table string) string {
	u, err := url.Parse(bucketURL)
	if err != nil || u.Scheme == "" {
		return strings.TrimRight(bucketURL, "/") + "/" + table
	}
	u.RawQuery = ""
	u.Path = path.Join("/", u.Path, table)
	if u.Host != "" {
		return u.Scheme + "://" + u.Host + u.Path
	}
	return u.Scheme + "://" + u.Path
}

// TempRoot is the root of the store a refresh run builds before it replaces
// the canonical one.
func TempRoot(table string) string {
	return "refresh/" + table
}
