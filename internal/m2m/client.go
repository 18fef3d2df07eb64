package m2m

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	harvesthttp "github.com/ligustah/harvest/internal/http"
)

// Default upstream locations.
const (
	DefaultBaseURL    = "https://ooinet.oceanobservatories.org"
	DefaultAsyncURL   = "https://downloads-west.oceanobservatories.org/async_results"
	DefaultThreddsURL = "https://opendap-west.oceanobservatories.org/thredds/catalog/ooi"

	sensorPath = "api/m2m/12576/sensor/inv"
	streamPath = "api/m2m/12575/stream/byname"
)

// Errors returned by the client.
var (
	// ErrUnavailable reports that the upstream API could not answer, either
	// because it is down or because it served a maintenance page. Callers
	// should retry later.
	ErrUnavailable = errors.New("m2m: upstream unavailable")

	// ErrMaintenance is reported alongside ErrUnavailable when the upstream
	// serves its maintenance page.
	ErrMaintenance = errors.New("m2m: upstream under maintenance")

	// ErrStreamNotFound reports a stream that is not listed upstream.
	ErrStreamNotFound = errors.New("m2m: stream not found")
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	AsyncURL   string
	ThreddsURL string

	// Email is sent with data requests and names the per-user result
	// directories.
	Email string

	HTTP harvesthttp.Options
}

// Client talks to the M2M API and the result servers behind it.
type Client struct {
	http       *harvesthttp.Client
	baseURL    string
	asyncURL   string
	threddsURL string
	email      string
	now        func() time.Time
}

// NewClient creates a client. Empty URLs fall back to the public defaults.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.AsyncURL == "" {
		opts.AsyncURL = DefaultAsyncURL
	}
	if opts.ThreddsURL == "" {
		opts.ThreddsURL = DefaultThreddsURL
	}
	return &Client{
		http:       harvesthttp.NewClient(opts.HTTP),
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		asyncURL:   strings.TrimRight(opts.AsyncURL, "/"),
		threddsURL: strings.TrimRight(opts.ThreddsURL, "/"),
		email:      opts.Email,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HTTP returns the underlying HTTP client, shared with result downloads.
func (c *Client) HTTP() *harvesthttp.Client {
	return c.http
}

func (c *Client) sensorURL(parts ...string) string {
	return c.baseURL + "/" + sensorPath + "/" + strings.Join(parts, "/")
}

// getJSON fetches an API document. Server errors, transport failures and
// HTML pages are reported as ErrUnavailable.
func (c *Client) getJSON(ctx context.Context, u string, params url.Values, v any) error {
	err := c.http.GetJSON(ctx, u, params, v)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ce *harvesthttp.ContentError
	if errors.As(err, &ce) {
		if title := pageTitle(ce.Body); strings.Contains(strings.ToLower(title), "maintenance") {
			return fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrMaintenance, title)
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var se *harvesthttp.StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// pageTitle returns the text of the first <title> element of an HTML page.
func pageTitle(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	var find func(*html.Node) string
	find = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "title" {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			return strings.TrimSpace(sb.String())
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := find(c); t != "" {
				return t
			}
		}
		return ""
	}
	return find(doc)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"20060102T150405.999999999",
	"2006-01-02",
}

// ParseTime parses the timestamp layouts used by the API and its result
// file names. Values without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("m2m: unrecognised time %q", s)
}

// FormatTime renders t the way the API expects request bounds.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
