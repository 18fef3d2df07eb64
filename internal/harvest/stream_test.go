package harvest

import (
	"context"
	"testing"
	"time"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/config"
)

func TestNewStreamIdentity(t *testing.T) {
	id, err := NewStreamIdentity(" "+refdes, method, name+" ")
	if err != nil {
		t.Fatalf("NewStreamIdentity: %v", err)
	}
	if id.TableName() != table || id.String() != table {
		t.Errorf("TableName = %s", id.TableName())
	}
	if id.Instrument() != refdes || id.Method() != method || id.Stream() != name {
		t.Errorf("identity = %s %s %s", id.Instrument(), id.Method(), id.Stream())
	}

	for _, parts := range [][3]string{
		{"", method, name},
		{refdes, " ", name},
		{refdes, method, ""},
	} {
		if _, err := NewStreamIdentity(parts[0], parts[1], parts[2]); err == nil {
			t.Errorf("NewStreamIdentity(%q) should fail", parts)
		}
	}
}

func TestTargetFromConfig(t *testing.T) {
	sc := config.StreamConfig{
		Instrument: refdes,
		Stream:     config.Stream{Method: method, Name: name},
		HarvestOptions: config.HarvestOptions{
			Path:    "s3://ooi-data",
			Refresh: true,
			CustomRange: config.CustomRange{
				Start: "2024-01-01T00:00:00Z",
				End:   "2024-02-01",
			},
		},
	}
	tgt, err := TargetFromConfig(sc)
	if err != nil {
		t.Fatalf("TargetFromConfig: %v", err)
	}
	if tgt.ID.TableName() != table || tgt.Options.Path != "s3://ooi-data" || !tgt.Options.Refresh {
		t.Errorf("target = %+v", tgt)
	}
	if !tgt.Options.Range.Start.Equal(t0) || !tgt.Options.Range.End.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("range = %+v", tgt.Options.Range)
	}

	bad := sc
	bad.HarvestOptions.CustomRange = config.CustomRange{Start: "2024-02-01", End: "2024-01-01"}
	if _, err := TargetFromConfig(bad); err == nil {
		t.Error("reversed custom range should fail")
	}
	bad = sc
	bad.HarvestOptions.CustomRange.Start = "yesterday"
	if _, err := TargetFromConfig(bad); err == nil {
		t.Error("unparseable custom range should fail")
	}
	bad = sc
	bad.HarvestOptions.Path = ""
	if _, err := TargetFromConfig(bad); err == nil {
		t.Error("empty path should fail")
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		bucket string
		want   string
	}{
		{"mem://data", "mem://data/" + table},
		{"s3://ooi-data?region=us-west-2", "s3://ooi-data/" + table},
		{"s3://ooi-data/streams/", "s3://ooi-data/streams/" + table},
		{"file:///var/lib/harvest", "file:///var/lib/harvest/" + table},
		{"ooi-data", "ooi-data/" + table},
	}
	for _, tt := range tests {
		if got := Location(tt.bucket, table); got != tt.want {
			t.Errorf("Location(%q) = %s, want %s", tt.bucket, got, tt.want)
		}
	}
}

func TestBucketsOpenOnce(t *testing.T) {
	ctx := context.Background()
	opened := 0
	b := NewBuckets(func(ctx context.Context, url string) (*blob.Bucket, error) {
		opened++
		return blob.OpenBucket(ctx, url)
	})
	first, err := b.Open(ctx, "mem://")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := b.Open(ctx, "mem://")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if first != second || opened != 1 {
		t.Errorf("opened %d times", opened)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Open(ctx, "mem://"); err != nil || opened != 2 {
		t.Errorf("reopen: %d %v", opened, err)
	}
	b.Close()
}
