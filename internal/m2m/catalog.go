package m2m

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	harvesthttp "github.com/ligustah/harvest/internal/http"
)

// GoldCopyMinSpan is the minimum time span a cached result must cover to be
// reused instead of issuing a new request.
const GoldCopyMinSpan = 90 * 24 * time.Hour

// DatasetFile is one result file of a request.
type DatasetFile struct {
	Name       string
	Deployment int
	StartTS    time.Time
	EndTS      time.Time
	SizeBytes  int64
	URL        string
}

// SortByStart orders files by their first timestamp.
func SortByStart(files []DatasetFile) {
	slices.SortStableFunc(files, func(a, b DatasetFile) int {
		return a.StartTS.Compare(b.StartTS)
	})
}

// Catalog is a THREDDS catalog with its nested datasets flattened.
type Catalog struct {
	URL      string
	Datasets []CatalogDataset
	Refs     []CatalogRef

	fileBase *url.URL
}

// CatalogDataset is a leaf dataset of a catalog.
type CatalogDataset struct {
	Name      string
	URLPath   string
	SizeBytes int64
}

// CatalogRef points at a child catalog. Href is absolute.
type CatalogRef struct {
	Title string
	Href  string
}

type xmlCatalog struct {
	Services []xmlService `xml:"service"`
	Datasets []xmlDataset `xml:"dataset"`
	Refs     []xmlRef     `xml:"catalogRef"`
}

type xmlService struct {
	Type     string       `xml:"serviceType,attr"`
	Base     string       `xml:"base,attr"`
	Services []xmlService `xml:"service"`
}

type xmlDataset struct {
	Name     string       `xml:"name,attr"`
	URLPath  string       `xml:"urlPath,attr"`
	Size     xmlSize      `xml:"dataSize"`
	Datasets []xmlDataset `xml:"dataset"`
	Refs     []xmlRef     `xml:"catalogRef"`
}

type xmlSize struct {
	Units string `xml:"units,attr"`
	Value string `xml:",chardata"`
}

type xmlRef struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
}

// Catalog fetches and parses a THREDDS catalog. HTML catalog links are
// rewritten to their XML form.
func (c *Client) Catalog(ctx context.Context, catalogURL string) (*Catalog, error) {
	if strings.HasSuffix(catalogURL, ".html") {
		catalogURL = strings.TrimSuffix(catalogURL, ".html") + ".xml"
	}
	body, err := c.http.Get(ctx, catalogURL)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer body.Close()
	return ParseCatalog(catalogURL, body)
}

// ParseCatalog parses THREDDS catalog XML. Relative references resolve
// against catalogURL.
func ParseCatalog(catalogURL string, r io.Reader) (*Catalog, error) {
	base, err := url.Parse(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("m2m: catalog url: %w", err)
	}
	var doc xmlCatalog
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("m2m: parse catalog: %w", err)
	}

	cat := &Catalog{URL: catalogURL}
	fileBase := "/thredds/fileServer/"
	if b, ok := findService(doc.Services, "httpserver"); ok {
		fileBase = b
	}
	if cat.fileBase, err = base.Parse(fileBase); err != nil {
		return nil, fmt.Errorf("m2m: file server base: %w", err)
	}

	addRefs := func(refs []xmlRef) error {
		for _, ref := range refs {
			href, err := base.Parse(ref.Href)
			if err != nil {
				return fmt.Errorf("m2m: catalog ref %q: %w", ref.Href, err)
			}
			cat.Refs = append(cat.Refs, CatalogRef{Title: ref.Title, Href: href.String()})
		}
		return nil
	}
	if err := addRefs(doc.Refs); err != nil {
		return nil, err
	}
	var walk func([]xmlDataset) error
	walk = func(datasets []xmlDataset) error {
		for _, d := range datasets {
			if err := addRefs(d.Refs); err != nil {
				return err
			}
			if len(d.Datasets) > 0 {
				if err := walk(d.Datasets); err != nil {
					return err
				}
				continue
			}
			cat.Datasets = append(cat.Datasets, CatalogDataset{
				Name:      d.Name,
				URLPath:   d.URLPath,
				SizeBytes: d.Size.bytes(),
			})
		}
		return nil
	}
	if err := walk(doc.Datasets); err != nil {
		return nil, err
	}
	return cat, nil
}

func findService(services []xmlService, kind string) (string, bool) {
	for _, s := range services {
		if strings.EqualFold(s.Type, kind) {
			return s.Base, true
		}
		if b, ok := findService(s.Services, kind); ok {
			return b, true
		}
	}
	return "", false
}

var sizeUnits = map[string]float64{
	"bytes":  1,
	"kbytes": 1e3,
	"mbytes": 1e6,
	"gbytes": 1e9,
	"tbytes": 1e12,
}

func (s xmlSize) bytes() int64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s.Value), 64)
	if err != nil {
		return 0
	}
	mult, ok := sizeUnits[strings.ToLower(s.Units)]
	if !ok {
		mult = 1
	}
	return int64(v * mult)
}

// HasStatus reports whether the catalog lists the completion marker.
func (cat *Catalog) HasStatus() bool {
	return slices.ContainsFunc(cat.Datasets, func(d CatalogDataset) bool {
		return strings.Contains(d.Name, "status.txt")
	})
}

var fileName = regexp.MustCompile(`^deployment(\d+)_(.+)_(\d{8}T\d{6}(?:\.\d+)?)-(\d{8}T\d{6}(?:\.\d+)?)\.nc$`)

// ParseFileName splits a result file name of the form
// deployment0001_<table>_<start>-<end>.nc.
func ParseFileName(name string) (table string, deployment int, start, end time.Time, err error) {
	m := fileName.FindStringSubmatch(name)
	if m == nil {
		return "", 0, time.Time{}, time.Time{}, fmt.Errorf("m2m: unrecognised result file %q", name)
	}
	if deployment, err = strconv.Atoi(m[1]); err != nil {
		return "", 0, time.Time{}, time.Time{}, err
	}
	if start, err = ParseTime(m[3]); err != nil {
		return "", 0, time.Time{}, time.Time{}, err
	}
	if end, err = ParseTime(m[4]); err != nil {
		return "", 0, time.Time{}, time.Time{}, err
	}
	return m[2], deployment, start, end, nil
}

// Files returns the netCDF files that belong to table, sorted by start
// time. Files of ancillary streams in the same request are left out.
func (cat *Catalog) Files(table string) []DatasetFile {
	var files []DatasetFile
	for _, d := range cat.Datasets {
		name := d.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		t, dep, start, end, err := ParseFileName(name)
		if err != nil || t != table {
			continue
		}
		u := d.URLPath
		if ref, err := cat.fileBase.Parse(strings.TrimPrefix(d.URLPath, "/")); err == nil {
			u = ref.String()
		}
		files = append(files, DatasetFile{
			Name:       name,
			Deployment: dep,
			StartTS:    start,
			EndTS:      end,
			SizeBytes:  d.SizeBytes,
			URL:        u,
		})
	}
	SortByStart(files)
	return files
}

// ResultFiles lists the files of table produced by a request.
func (c *Client) ResultFiles(ctx context.Context, res *Result, table string) ([]DatasetFile, error) {
	if res.ThreddsCatalog == "" {
		return nil, errors.New("m2m: result has no catalog")
	}
	cat, err := c.Catalog(ctx, res.ThreddsCatalog)
	if err != nil {
		return nil, err
	}
	return cat.Files(table), nil
}

// GoldCopy looks for a completed earlier request of table in the user's
// result catalog that covers more than GoldCopyMinSpan. It returns nil
// when there is none.
func (c *Client) GoldCopy(ctx context.Context, table string) (*Result, error) {
	root, err := c.Catalog(ctx, c.threddsURL+"/"+c.email+"/catalog.xml")
	if errors.Is(err, harvesthttp.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var refs []CatalogRef
	for _, ref := range root.Refs {
		if strings.Contains(ref.Title, table) {
			refs = append(refs, ref)
		}
	}
	// Newest first; titles start with the request timestamp.
	slices.SortFunc(refs, func(a, b CatalogRef) int { return strings.Compare(b.Title, a.Title) })

	for _, ref := range refs {
		cat, err := c.Catalog(ctx, ref.Href)
		if err != nil {
			return nil, err
		}
		if !cat.HasStatus() {
			continue
		}
		files := cat.Files(table)
		if len(files) == 0 {
			continue
		}
		start, end := files[0].StartTS, files[0].EndTS
		var size int64
		for _, f := range files {
			start = minTime(start, f.StartTS)
			end = maxTime(end, f.EndTS)
			size += f.SizeBytes
		}
		if end.Sub(start) <= GoldCopyMinSpan {
			continue
		}
		download := c.asyncURL + "/" + c.email + "/" + ref.Title
		return &Result{
			RequestID:       "cache-" + uuid.NewString(),
			ThreddsCatalog:  ref.Href,
			DownloadCatalog: download,
			StatusURL:       download + "/status.txt",
			DataSize:        float64(size),
			Units:           resultUnits,
			RequestDT:       c.now().Format("2006-01-02T15:04:05.999999"),
		}, nil
	}
	return nil, nil
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
