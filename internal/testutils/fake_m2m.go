package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeStream is a stream served by FakeM2M.
type FakeStream struct {
	RefDes string
	Method string
	Name   string
	Begin  time.Time
	End    time.Time
}

func (s FakeStream) table() string {
	return s.RefDes + "-" + s.Method + "-" + s.Name
}

// FakeM2M is an in-process stand-in for the M2M API, its asynchronous
// result server and the THREDDS catalog. All URLs share one server.
type FakeM2M struct {
	Server *httptest.Server
	Email  string

	mu          sync.Mutex
	streams     []FakeStream
	files       map[string][]byte
	ready       bool
	noData      bool
	maintenance bool
	titles      []string
	estimates   int
	submits     int
	queries     []string
}

// StartFakeM2M starts a fake upstream. Requests are complete (status.txt
// published) unless SetReady(false) is called.
func StartFakeM2M(t *testing.T, email string) *FakeM2M {
	t.Helper()
	f := &FakeM2M{Email: email, files: map[string][]byte{}, ready: true}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// BaseURL is the API root.
func (f *FakeM2M) BaseURL() string { return f.Server.URL }

// AsyncURL is the root of the asynchronous result directories.
func (f *FakeM2M) AsyncURL() string { return f.Server.URL + "/async_results" }

// ThreddsURL is the root of the per-user THREDDS catalogs.
func (f *FakeM2M) ThreddsURL() string { return f.Server.URL + "/thredds/catalog/ooi" }

// AddStream lists a stream in the table of contents.
func (f *FakeM2M) AddStream(s FakeStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, s)
}

// SetEnd moves the upstream end time of a stream.
func (f *FakeM2M) SetEnd(refdes, method, name string, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.streams {
		if s.RefDes == refdes && s.Method == method && s.Name == name {
			f.streams[i].End = end
		}
	}
}

// SetFiles replaces the result files served for every request.
func (f *FakeM2M) SetFiles(files map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = files
}

// SetReady controls whether status.txt is published.
func (f *FakeM2M) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// SetNoData makes estimates report that no data is available.
func (f *FakeM2M) SetNoData(noData bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noData = noData
}

// SetMaintenance makes the API serve its maintenance page.
func (f *FakeM2M) SetMaintenance(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maintenance = on
}

// Estimates returns the number of estimate requests received.
func (f *FakeM2M) Estimates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimates
}

// Submits returns the number of data requests received.
func (f *FakeM2M) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Queries returns the raw query strings of all estimate and data requests.
func (f *FakeM2M) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.queries)
}

const maintenancePage = `<!DOCTYPE html><html><head><title>OOI Net Scheduled Maintenance</title></head><body>Back soon.</body></html>`

func (f *FakeM2M) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/") && f.maintenance:
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(maintenancePage))
	case path == "/api/m2m/12576/sensor/inv/toc":
		f.serveTOC(w)
	case strings.HasPrefix(path, "/api/m2m/12575/stream/byname/"):
		writeJSON(w, map[string]any{
			"stream_type":    map[string]string{"value": "Science"},
			"stream_content": map[string]string{"value": "Science Data"},
		})
	case strings.HasPrefix(path, "/api/m2m/12576/sensor/inv/"):
		f.serveSensor(w, r, strings.Split(strings.TrimPrefix(path, "/api/m2m/12576/sensor/inv/"), "/"))
	case strings.HasPrefix(path, "/async_results/"):
		if strings.HasSuffix(path, "/status.txt") && f.ready {
			w.Write([]byte("complete\n"))
			return
		}
		http.NotFound(w, r)
	case strings.HasPrefix(path, "/thredds/catalog/ooi/"):
		f.serveCatalog(w, r, strings.TrimPrefix(path, "/thredds/catalog/ooi/"))
	case strings.HasPrefix(path, "/thredds/fileServer/ooi/"):
		name := path[strings.LastIndex(path, "/")+1:]
		data, ok := f.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeM2M) serveTOC(w http.ResponseWriter) {
	type stream struct {
		Stream    string `json:"stream"`
		Method    string `json:"method"`
		BeginTime string `json:"beginTime"`
		EndTime   string `json:"endTime"`
		Count     int    `json:"count"`
	}
	type instrument struct {
		RefDes     string   `json:"reference_designator"`
		Platform   string   `json:"platform_code"`
		Mooring    string   `json:"mooring_code"`
		Instrument string   `json:"instrument_code"`
		Streams    []stream `json:"streams"`
	}
	byRef := map[string]*instrument{}
	var order []string
	for _, s := range f.streams {
		inst, ok := byRef[s.RefDes]
		if !ok {
			parts := strings.SplitN(s.RefDes, "-", 3)
			for len(parts) < 3 {
				parts = append(parts, "")
			}
			inst = &instrument{RefDes: s.RefDes, Platform: parts[0], Mooring: parts[1], Instrument: parts[2]}
			byRef[s.RefDes] = inst
			order = append(order, s.RefDes)
		}
		inst.Streams = append(inst.Streams, stream{
			Stream:    s.Name,
			Method:    s.Method,
			BeginTime: s.Begin.UTC().Format(time.RFC3339Nano),
			EndTime:   s.End.UTC().Format(time.RFC3339Nano),
			Count:     1,
		})
	}
	out := struct {
		Instruments []*instrument `json:"instruments"`
	}{Instruments: []*instrument{}}
	for _, ref := range order {
		out.Instruments = append(out.Instruments, byRef[ref])
	}
	writeJSON(w, out)
}

func (f *FakeM2M) serveSensor(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 5 {
		http.NotFound(w, r)
		return
	}
	refdes := parts[0] + "-" + parts[1] + "-" + parts[2]
	if parts[3] == "metadata" && parts[4] == "times" {
		var times []map[string]string
		for _, s := range f.streams {
			if s.RefDes == refdes {
				times = append(times, map[string]string{
					"stream":    s.Name,
					"method":    s.Method,
					"beginTime": s.Begin.UTC().Format(time.RFC3339Nano),
					"endTime":   s.End.UTC().Format(time.RFC3339Nano),
				})
			}
		}
		writeJSON(w, times)
		return
	}

	method, name := parts[3], parts[4]
	i := slices.IndexFunc(f.streams, func(s FakeStream) bool {
		return s.RefDes == refdes && s.Method == method && s.Name == name
	})
	if i < 0 {
		http.NotFound(w, r)
		return
	}
	f.queries = append(f.queries, r.URL.RawQuery)

	var size int
	for _, data := range f.files {
		size += len(data)
	}
	if r.URL.Query().Get("estimate_only") == "true" {
		f.estimates++
		if f.noData {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"status": "No data available"}})
			return
		}
		writeJSON(w, map[string]any{
			"requestUUID":     fmt.Sprintf("estimate-%d", f.estimates),
			"sizeCalculation": size,
			"timeCalculation": 60,
			"numberOfSubJobs": 1,
		})
		return
	}

	f.submits++
	title := fmt.Sprintf("20240301T%06d-%s", f.submits, f.streams[i].table())
	f.titles = append(f.titles, title)
	catalog := f.ThreddsURL() + "/" + f.Email + "/" + title + "/catalog.html"
	writeJSON(w, map[string]any{
		"requestUUID":     fmt.Sprintf("request-%d", f.submits),
		"outputURL":       catalog,
		"allURLs":         []string{catalog, f.AsyncURL() + "/" + f.Email + "/" + title},
		"sizeCalculation": size,
		"timeCalculation": 60,
	})
}

func (f *FakeM2M) serveCatalog(w http.ResponseWriter, r *http.Request, rest string) {
	if rest == f.Email+"/catalog.xml" {
		var sb strings.Builder
		sb.WriteString(catalogHeader)
		sb.WriteString(`<dataset name="` + f.Email + `">`)
		for _, title := range f.titles {
			fmt.Fprintf(&sb, `<catalogRef xlink:href="%s/catalog.xml" xlink:title="%s" name=""/>`, title, title)
		}
		sb.WriteString(`</dataset></catalog>`)
		w.Write([]byte(sb.String()))
		return
	}
	dir, ok := strings.CutSuffix(rest, "/catalog.xml")
	title, mine := strings.CutPrefix(dir, f.Email+"/")
	if !ok || !mine || !slices.Contains(f.titles, title) {
		http.NotFound(w, r)
		return
	}

	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	slices.Sort(names)
	if f.ready {
		names = append(names, "status.txt")
	}

	var sb strings.Builder
	sb.WriteString(catalogHeader)
	sb.WriteString(`<dataset name="` + title + `">`)
	for _, name := range names {
		fmt.Fprintf(&sb, `<dataset name="%s" urlPath="ooi/%s/%s/%s"><dataSize units="bytes">%d</dataSize></dataset>`,
			name, f.Email, title, name, len(f.files[name]))
	}
	sb.WriteString(`</dataset></catalog>`)
	w.Write([]byte(sb.String()))
}

const catalogHeader = `<?xml version="1.0" encoding="UTF-8"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0" xmlns:xlink="http://www.w3.org/1999/xlink" version="1.0.1">
<service name="all" serviceType="Compound" base="">
<service name="odap" serviceType="OpenDAP" base="/thredds/dodsC/"/>
<service name="http" serviceType="HTTPServer" base="/thredds/fileServer/"/>
</service>
`

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
