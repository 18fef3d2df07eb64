package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/ligustah/harvest/pkg/zarr"
)

// Global attributes added to every harvested dataset.
const (
	AttrComment = "Some of the metadata of this dataset has been modified to be CF-1.6 compliant."
	AttrNotes   = "This netCDF product is a copy of the data available through the NSF Ocean Observatories Initiative."
	AttrOwner   = "NSF, Ocean Observatories Initiative, Regional Cabled Array, University of Washington."
)

// volatileAttrs differ between requests and are removed.
var volatileAttrs = []string{
	"time_coverage_resolution",
	"uuid",
	"creator_email",
	"contributor_name",
	"contributor_role",
	"acknowledgement",
	"requestUUID",
	"feature_Type",
}

var defaultLongNames = map[string]string{
	"lat":        "Location Latitude",
	"lon":        "Location Longitude",
	"obs":        "Observation",
	"deployment": "Deployment Number",
	"id":         "Observation unique id",
}

// Provenance describes where a dataset came from.
type Provenance struct {
	Downloaded time.Time
	Processed  time.Time

	// Extra attributes are applied last and win over everything else.
	Extra map[string]any
}

// Normalize rewrites variable metadata to CF conventions and stamps the
// global provenance attributes.
func Normalize(ds *zarr.Dataset, p Provenance) {
	for name, v := range ds.Vars {
		if v.Attrs == nil {
			v.Attrs = make(map[string]any)
		}
		for k, a := range v.Attrs {
			if list, ok := a.([]any); ok {
				v.Attrs[k] = joinList(list)
			}
		}
		if v.Attrs["units"] == "ºC" {
			v.Attrs["units"] = "degree_C"
		}
		if anc, ok := v.Attrs["ancillary_variables"].(string); ok {
			v.Attrs["ancillary_variables"] = strings.ReplaceAll(anc, ",", " ")
		}
		if _, ok := v.Attrs["long_name"]; !ok {
			if ln := defaultLongName(name); ln != "" {
				v.Attrs["long_name"] = ln
			}
		}
	}

	ds.Attrs["comment"] = AttrComment
	ds.Attrs["Notes"] = AttrNotes
	ds.Attrs["Owner"] = AttrOwner
	ds.Attrs["date_downloaded"] = p.Downloaded.UTC().Format(time.RFC3339)
	ds.Attrs["date_processed"] = p.Processed.UTC().Format(time.RFC3339)
	for k, v := range p.Extra {
		ds.Attrs[k] = v
	}
	for _, k := range volatileAttrs {
		delete(ds.Attrs, k)
	}
}

func defaultLongName(name string) string {
	switch {
	case strings.Contains(name, "qc_executed"):
		return "QC Checks Executed"
	case strings.Contains(name, "qc_results"):
		return "QC Checks Results"
	}
	return defaultLongNames[name]
}

func joinList(list []any) string {
	parts := make([]string, len(list))
	for i, x := range list {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}
