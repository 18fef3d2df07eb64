package status

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPhaseFromLegacyDocuments(t *testing.T) {
	tests := []struct {
		doc  string
		want Phase
	}{
		{`{}`, PhaseIdle},
		{`{"status": "unknown", "data_ready": false, "data_check": false}`, PhaseIdle},
		{`{"status": "started"}`, PhaseIdle},
		{`{"status": "pending", "data_check": true, "data_ready": false}`, PhaseRequested},
		{`{"status": "success", "data_check": true, "data_ready": true}`, PhaseReady},
		{`{"status": "success", "data_check": false, "data_ready": true, "process_status": "pending"}`, PhaseReady},
		{`{"status": "success", "data_check": false, "data_ready": true, "process_status": "success"}`, PhaseProcessed},
		{`{"status": "success", "data_ready": true, "process_status": "failed"}`, PhaseProcessFailed},
		{`{"status": "failed", "data_check": false}`, PhaseRequestFailed},
		{`{"status": "discontinued", "data_check": true, "data_ready": true}`, PhaseDiscontinued},
	}
	for _, tt := range tests {
		var r Record
		if err := json.Unmarshal([]byte(tt.doc), &r); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.doc, err)
		}
		if got := r.Phase(); got != tt.want {
			t.Errorf("%s: phase = %s, want %s", tt.doc, got, tt.want)
		}
	}
}

func TestTransitionFlags(t *testing.T) {
	r := New()
	steps := []struct {
		to            Phase
		status        Status
		check, ready  bool
		processStatus ProcessStatus
	}{
		{PhaseRequested, StatusPending, true, false, ProcessNone},
		{PhaseReady, StatusSuccess, true, true, ProcessPending},
		{PhaseProcessed, StatusSuccess, false, true, ProcessSuccess},
		{PhaseRequested, StatusPending, true, false, ProcessNone},
		{PhaseRequestFailed, StatusFailed, false, false, ProcessNone},
		{PhaseDiscontinued, StatusDiscontinued, false, false, ProcessNone},
	}
	for _, s := range steps {
		if err := r.Transition(s.to, now, Change{}); err != nil {
			t.Fatalf("Transition(%s): %v", s.to, err)
		}
		if r.Phase() != s.to {
			t.Fatalf("after Transition(%s) phase = %s", s.to, r.Phase())
		}
		if r.Status() != s.status || r.DataCheck() != s.check || r.DataReady() != s.ready || r.ProcessStatus() != s.processStatus {
			t.Errorf("%s: flags = %s/%v/%v/%q", s.to, r.Status(), r.DataCheck(), r.DataReady(), r.ProcessStatus())
		}
		if r.LastUpdated == nil || !r.LastUpdated.Equal(now) {
			t.Errorf("%s: last_updated = %v", s.to, r.LastUpdated)
		}
	}
}

func TestDiscontinuedIsTerminal(t *testing.T) {
	r := New()
	if err := r.Transition(PhaseDiscontinued, now, Change{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !PhaseDiscontinued.Terminal() {
		t.Fatalf("discontinued should be terminal")
	}
	for _, to := range []Phase{PhaseIdle, PhaseRequested, PhaseReady, PhaseProcessed, PhaseRequestFailed, PhaseProcessFailed, PhaseDiscontinued} {
		err := r.Transition(to, now, Change{})
		var te *TransitionError
		if !errors.As(err, &te) || !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s) from discontinued: got %v", to, err)
		}
	}
	if r.Status() != StatusDiscontinued {
		t.Errorf("rejected transition changed the record: %s", r.Status())
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
	}{
		{PhaseIdle, PhaseReady},
		{PhaseIdle, PhaseProcessed},
		{PhaseProcessed, PhaseReady},
		{PhaseRequestFailed, PhaseProcessed},
		{PhaseIdle, PhaseProcessFailed},
	}
	for _, tt := range tests {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should not be allowed", tt.from, tt.to)
		}
	}
	for from := range transitions {
		if from != PhaseDiscontinued && !CanTransition(from, PhaseDiscontinued) {
			t.Errorf("%s -> discontinued should be allowed", from)
		}
	}
}

func TestTransitionRecordsChange(t *testing.T) {
	r := New()
	err := r.Transition(PhaseRequestFailed, now, Change{Error: errors.New("no data"), DataResponse: "ooinet-requests/x"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if r.LastError != "no data" || r.DataResponse != "ooinet-requests/x" {
		t.Fatalf("change not recorded: %+v", r)
	}
	if err := r.Transition(PhaseRequested, now, Change{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if r.LastError != "" {
		t.Errorf("last_error not cleared: %q", r.LastError)
	}
	if r.DataResponse != "ooinet-requests/x" {
		t.Errorf("data_response lost: %q", r.DataResponse)
	}
	if r.RequestedAt == nil || !r.RequestedAt.Equal(now) {
		t.Errorf("requested_at = %v", r.RequestedAt)
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	doc := `{
		"status": "success",
		"data_ready": true,
		"data_check": false,
		"process_status": "success",
		"end_date": "2021-06-30T23:59:59.500000",
		"requested_at": "2021-07-01 02:00:00",
		"last_refresh": null,
		"issue": {"number": 12},
		"owner": "ops"
	}`
	var r Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2021, 6, 30, 23, 59, 59, 500_000_000, time.UTC)
	if r.EndDate == nil || !r.EndDate.Equal(want) {
		t.Fatalf("end_date = %v, want %v", r.EndDate, want)
	}
	if r.RequestedAt == nil || r.RequestedAt.Hour() != 2 {
		t.Fatalf("requested_at = %v", r.RequestedAt)
	}
	if r.LastRefresh != nil {
		t.Fatalf("last_refresh = %v, want nil", r.LastRefresh)
	}

	if err := r.Transition(PhaseRequested, now, Change{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	data, err := json.Marshal(&r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out["owner"] != "ops" {
		t.Errorf("owner = %v", out["owner"])
	}
	if issue, ok := out["issue"].(map[string]any); !ok || issue["number"] != 12.0 {
		t.Errorf("issue = %v", out["issue"])
	}
	if out["status"] != "pending" || out["data_check"] != true {
		t.Errorf("known fields not written: %v", out)
	}
	if out["end_date"] != "2021-06-30T23:59:59.5Z" {
		t.Errorf("end_date = %v", out["end_date"])
	}
	if v, ok := out["last_refresh"]; !ok || v != nil {
		t.Errorf("last_refresh should be written as null, got %v (present %v)", v, ok)
	}
}

func TestUnparseableTimestampReadsAsAbsent(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`{"status": "success", "end_date": "yesterday"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.EndDate != nil {
		t.Fatalf("end_date = %v, want nil", r.EndDate)
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()
	s := NewStore(bucket, "")

	if got := s.Key("CE02SHSM-RID27-03-CTDBPC000-telemetered-ctdbp_cdef_dcl_instrument"); got != "harvest-status/CE02SHSM-RID27-03-CTDBPC000-telemetered-ctdbp_cdef_dcl_instrument" {
		t.Fatalf("Key = %s", got)
	}

	r, err := s.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read missing: %v", err)
	}
	if r.Status() != StatusUnknown || r.Phase() != PhaseIdle {
		t.Fatalf("missing record = %s/%s", r.Status(), r.Phase())
	}

	if err := r.Transition(PhaseRequested, now, Change{DataResponse: "ooinet-requests/a__202403__refresh"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	r.SetCoverage("s3://bucket/a", now.Add(-time.Hour), now)
	if err := s.Write(ctx, "a", r); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "b", New()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Phase() != PhaseRequested || got.DataResponse != r.DataResponse || got.CloudLocation != "s3://bucket/a" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.EndDate.Equal(now) || !got.StartDate.Equal(now.Add(-time.Hour)) {
		t.Fatalf("coverage = %v .. %v", got.StartDate, got.EndDate)
	}

	tables, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(tables, []string{"a", "b"}) {
		t.Fatalf("List = %v", tables)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if tables, _ = s.List(ctx); !slices.Equal(tables, []string{"b"}) {
		t.Fatalf("List after delete = %v", tables)
	}
}

func TestStoreCorruptDocument(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()
	if err := bucket.WriteAll(ctx, "harvest-status/x", []byte("not json"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if _, err := NewStore(bucket, "").Read(ctx, "x"); err == nil {
		t.Fatalf("expected an error for a corrupt document")
	}
}
