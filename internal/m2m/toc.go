package m2m

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Instrument is an entry of the sensor inventory table of contents.
type Instrument struct {
	ReferenceDesignator string          `json:"reference_designator"`
	PlatformCode        string          `json:"platform_code"`
	MooringCode         string          `json:"mooring_code"`
	InstrumentCode      string          `json:"instrument_code"`
	Streams             []StreamSummary `json:"streams"`
}

// StreamSummary is a stream as listed by the table of contents.
type StreamSummary struct {
	Stream    string `json:"stream"`
	Method    string `json:"method"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
	Count     int64  `json:"count"`
}

type toc struct {
	Instruments []Instrument `json:"instruments"`
}

// Stream describes one stream of an instrument with its catalogued time
// range.
type Stream struct {
	ReferenceDesignator string
	Platform            string
	Mooring             string
	Instrument          string
	Method              string
	Name                string
	BeginTime           time.Time
	EndTime             time.Time
	Count               int64

	// StreamType and StreamContent are filled by Discover.
	StreamType    string
	StreamContent string
}

// TableName returns the instrument-method-stream identifier.
func (s Stream) TableName() string {
	return strings.Join([]string{s.ReferenceDesignator, s.Method, s.Name}, "-")
}

// TOC fetches the sensor inventory table of contents.
func (c *Client) TOC(ctx context.Context) ([]Instrument, error) {
	var t toc
	if err := c.getJSON(ctx, c.sensorURL("toc"), nil, &t); err != nil {
		return nil, fmt.Errorf("fetch toc: %w", err)
	}
	return t.Instruments, nil
}

// Streams lists the streams of one instrument from the table of contents.
// An instrument that is not listed has no streams.
func (c *Client) Streams(ctx context.Context, refdes string) ([]Stream, error) {
	instruments, err := c.TOC(ctx)
	if err != nil {
		return nil, err
	}
	var out []Stream
	for _, inst := range instruments {
		if inst.ReferenceDesignator != refdes {
			continue
		}
		streams, err := inst.streams()
		if err != nil {
			return nil, err
		}
		out = append(out, streams...)
	}
	return out, nil
}

func (inst Instrument) streams() ([]Stream, error) {
	out := make([]Stream, 0, len(inst.Streams))
	for _, s := range inst.Streams {
		st := Stream{
			ReferenceDesignator: inst.ReferenceDesignator,
			Platform:            inst.PlatformCode,
			Mooring:             inst.MooringCode,
			Instrument:          inst.InstrumentCode,
			Method:              s.Method,
			Name:                s.Stream,
			Count:               s.Count,
		}
		var err error
		if st.BeginTime, err = ParseTime(s.BeginTime); err != nil {
			return nil, fmt.Errorf("%s begin time: %w", st.TableName(), err)
		}
		if st.EndTime, err = ParseTime(s.EndTime); err != nil {
			return nil, fmt.Errorf("%s end time: %w", st.TableName(), err)
		}
		out = append(out, st)
	}
	return out, nil
}

// FindStream returns the named stream of an instrument. ErrStreamNotFound
// means the upstream no longer lists it.
func (c *Client) FindStream(ctx context.Context, refdes, method, name string) (*Stream, error) {
	streams, err := c.Streams(ctx, refdes)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(streams, func(s Stream) bool {
		return s.Method == method && s.Name == name
	})
	if i < 0 {
		return nil, fmt.Errorf("%w: %s-%s-%s", ErrStreamNotFound, refdes, method, name)
	}
	return &streams[i], nil
}

type streamTimes struct {
	Stream    string `json:"stream"`
	Method    string `json:"method"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
}

// EndTime returns the current upstream end time of a stream from the
// instrument's metadata/times listing.
func (c *Client) EndTime(ctx context.Context, refdes, method, name string) (time.Time, error) {
	parts := strings.SplitN(refdes, "-", 4)
	if len(parts) != 4 {
		return time.Time{}, fmt.Errorf("m2m: invalid reference designator %q", refdes)
	}
	u := c.sensorURL(parts[0], parts[1], parts[2]+"-"+parts[3], "metadata", "times")

	var times []streamTimes
	if err := c.getJSON(ctx, u, nil, &times); err != nil {
		return time.Time{}, fmt.Errorf("fetch stream times: %w", err)
	}
	for _, t := range times {
		if t.Stream == name && t.Method == method {
			return ParseTime(t.EndTime)
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s-%s-%s", ErrStreamNotFound, refdes, method, name)
}

type streamDefinition struct {
	StreamType    struct{ Value string } `json:"stream_type"`
	StreamContent struct{ Value string } `json:"stream_content"`
}

// Discover lists the streams of the given instruments and enriches each
// with its stream definition. Definitions are fetched concurrently with at
// most limit requests in flight; a definition that cannot be fetched
// leaves the type fields empty.
func (c *Client) Discover(ctx context.Context, limit int, refdes ...string) ([]Stream, error) {
	instruments, err := c.TOC(ctx)
	if err != nil {
		return nil, err
	}
	var streams []Stream
	for _, inst := range instruments {
		if len(refdes) > 0 && !slices.Contains(refdes, inst.ReferenceDesignator) {
			continue
		}
		s, err := inst.streams()
		if err != nil {
			return nil, err
		}
		streams = append(streams, s...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i := range streams {
		g.Go(func() error {
			var def streamDefinition
			u := c.baseURL + "/" + streamPath + "/" + streams[i].Name
			if err := c.getJSON(gctx, u, nil, &def); err != nil {
				return gctx.Err()
			}
			streams[i].StreamType = def.StreamType.Value
			streams[i].StreamContent = def.StreamContent.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return streams, nil
}
