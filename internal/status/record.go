package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the request status as persisted in the status document.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusStarted      Status = "started"
	StatusPending      Status = "pending"
	StatusFailed       Status = "failed"
	StatusSuccess      Status = "success"
	StatusDiscontinued Status = "discontinued"
)

// ProcessStatus is the processing status as persisted in the status document.
type ProcessStatus string

const (
	ProcessNone    ProcessStatus = ""
	ProcessPending ProcessStatus = "pending"
	ProcessFailed  ProcessStatus = "failed"
	ProcessSuccess ProcessStatus = "success"
)

// Phase is the harvest state derived from the persisted flags. All changes
// to a Record's flags go through Transition.
type Phase string

const (
	// PhaseIdle means nothing is in flight; a request may be issued.
	PhaseIdle Phase = "idle"
	// PhaseRequested means a request was submitted and its result is not
	// known to be ready.
	PhaseRequested Phase = "requested"
	// PhaseReady means the requested files are ready for processing.
	PhaseReady Phase = "ready"
	// PhaseProcessed means the last request was fully written to the store.
	PhaseProcessed Phase = "processed"
	// PhaseRequestFailed means the last request could not be completed.
	PhaseRequestFailed Phase = "request_failed"
	// PhaseProcessFailed means processing of ready files failed.
	PhaseProcessFailed Phase = "process_failed"
	// PhaseDiscontinued means the stream no longer exists upstream. Terminal.
	PhaseDiscontinued Phase = "discontinued"
)

// ErrInvalidTransition is wrapped by TransitionError.
var ErrInvalidTransition = errors.New("status: invalid transition")

// TransitionError reports a phase change the state machine does not allow.
type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status: invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions lists the allowed target phases for each phase.
var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseIdle, PhaseRequested, PhaseRequestFailed, PhaseDiscontinued},
	PhaseRequested:     {PhaseRequested, PhaseReady, PhaseRequestFailed, PhaseIdle, PhaseProcessed, PhaseDiscontinued},
	PhaseReady:         {PhaseReady, PhaseProcessed, PhaseProcessFailed, PhaseRequestFailed, PhaseIdle, PhaseDiscontinued},
	PhaseProcessed:     {PhaseProcessed, PhaseRequested, PhaseRequestFailed, PhaseDiscontinued},
	PhaseRequestFailed: {PhaseRequestFailed, PhaseRequested, PhaseIdle, PhaseDiscontinued},
	PhaseProcessFailed: {PhaseProcessFailed, PhaseRequested, PhaseReady, PhaseProcessed, PhaseRequestFailed, PhaseIdle, PhaseDiscontinued},
	PhaseDiscontinued:  nil,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition out of p exists.
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}

// Record is the per-stream status document.
//
// The request and processing flags are only changed by Transition, so a
// record always holds a flag combination that one Phase stands for (legacy
// documents excepted). Fields not known to this package are kept and written
// back unchanged.
type Record struct {
	status        Status
	dataReady     bool
	dataCheck     bool
	processStatus ProcessStatus

	// DataResponse is the key of the cached request response.
	DataResponse string
	// CloudLocation is the store path written by the last finalize.
	CloudLocation string
	// LastError holds the failure detail of the last failed transition.
	LastError string

	RequestedAt *time.Time
	ProcessedAt *time.Time
	LastRefresh *time.Time
	LastUpdated *time.Time

	// StartDate and EndDate are the observed time coverage of the store.
	StartDate *time.Time
	EndDate   *time.Time

	extra map[string]json.RawMessage
}

// New returns the record of a stream that has never been harvested.
func New() *Record {
	return &Record{status: StatusUnknown}
}

// Status returns the persisted request status.
func (r *Record) Status() Status { return r.status }

// DataReady reports whether requested files were confirmed ready.
func (r *Record) DataReady() bool { return r.dataReady }

// DataCheck reports whether a request is in flight or awaiting processing.
func (r *Record) DataCheck() bool { return r.dataCheck }

// ProcessStatus returns the persisted processing status.
func (r *Record) ProcessStatus() ProcessStatus { return r.processStatus }

// Phase derives the harvest phase from the flags.
func (r *Record) Phase() Phase {
	switch {
	case r.status == StatusDiscontinued:
		return PhaseDiscontinued
	case r.processStatus == ProcessFailed:
		return PhaseProcessFailed
	case r.status == StatusFailed:
		return PhaseRequestFailed
	case r.dataCheck && !r.dataReady:
		return PhaseRequested
	case r.status == StatusSuccess && r.dataReady && r.processStatus == ProcessSuccess && !r.dataCheck:
		return PhaseProcessed
	case r.status == StatusSuccess && r.dataReady:
		return PhaseReady
	}
	return PhaseIdle
}

// Change carries the optional details of a transition.
type Change struct {
	// Error is recorded as LastError for failed phases.
	Error error
	// DataResponse replaces the cached response key when not empty.
	DataResponse string
}

// Transition moves the record to phase to, rewriting the flags to the
// combination that phase stands for. It fails with a *TransitionError when
// the state machine does not allow the move, leaving r unchanged.
func (r *Record) Transition(to Phase, at time.Time, c Change) error {
	from := r.Phase()
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	at = at.UTC()
	switch to {
	case PhaseIdle:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusUnknown, false, false, ProcessNone
	case PhaseRequested:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusPending, true, false, ProcessNone
		r.RequestedAt = &at
	case PhaseReady:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusSuccess, true, true, ProcessPending
	case PhaseProcessed:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusSuccess, false, true, ProcessSuccess
		r.ProcessedAt = &at
	case PhaseRequestFailed:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusFailed, false, false, ProcessNone
	case PhaseProcessFailed:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusSuccess, false, true, ProcessFailed
	case PhaseDiscontinued:
		r.status, r.dataCheck, r.dataReady, r.processStatus = StatusDiscontinued, false, false, ProcessNone
	default:
		return fmt.Errorf("status: unknown phase %q", to)
	}
	r.LastError = ""
	if c.Error != nil {
		r.LastError = c.Error.Error()
	}
	if c.DataResponse != "" {
		r.DataResponse = c.DataResponse
	}
	r.LastUpdated = &at
	return nil
}

// SetCoverage records the observed time coverage and location of the store.
func (r *Record) SetCoverage(location string, start, end time.Time) {
	start, end = start.UTC(), end.UTC()
	r.CloudLocation = location
	r.StartDate = &start
	r.EndDate = &end
}

// SetLastRefresh records when a refresh harvest completed. A zero time
// clears it.
func (r *Record) SetLastRefresh(t time.Time) {
	if t.IsZero() {
		r.LastRefresh = nil
		return
	}
	t = t.UTC()
	r.LastRefresh = &t
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	for _, p := range []**time.Time{&c.RequestedAt, &c.ProcessedAt, &c.LastRefresh, &c.LastUpdated, &c.StartDate, &c.EndDate} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	if r.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			c.extra[k] = v
		}
	}
	return &c
}

// wireRecord is the persisted layout.
type wireRecord struct {
	Status        Status     `json:"status"`
	DataReady     bool       `json:"data_ready"`
	DataCheck     bool       `json:"data_check"`
	DataResponse  *string    `json:"data_response"`
	RequestedAt   *Timestamp `json:"requested_at"`
	ProcessedAt   *Timestamp `json:"processed_at"`
	LastRefresh   *Timestamp `json:"last_refresh"`
	ProcessStatus *string    `json:"process_status"`
	CloudLocation *string    `json:"cloud_location"`
	StartDate     *Timestamp `json:"start_date"`
	EndDate       *Timestamp `json:"end_date"`
	LastUpdated   *Timestamp `json:"last_updated"`
	LastError     *string    `json:"last_error,omitempty"`
}

var knownFields = []string{
	"status", "data_ready", "data_check", "data_response", "requested_at",
	"processed_at", "last_refresh", "process_status", "cloud_location",
	"start_date", "end_date", "last_updated", "last_error",
}

// MarshalJSON writes the known fields over any preserved unknown fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Status:        r.status,
		DataReady:     r.dataReady,
		DataCheck:     r.dataCheck,
		DataResponse:  optString(r.DataResponse),
		RequestedAt:   optTime(r.RequestedAt),
		ProcessedAt:   optTime(r.ProcessedAt),
		LastRefresh:   optTime(r.LastRefresh),
		ProcessStatus: optString(string(r.processStatus)),
		CloudLocation: optString(r.CloudLocation),
		StartDate:     optTime(r.StartDate),
		EndDate:       optTime(r.EndDate),
		LastUpdated:   optTime(r.LastUpdated),
		LastError:     optString(r.LastError),
	}
	if w.Status == "" {
		w.Status = StatusUnknown
	}
	known, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(r.extra)+len(knownFields))
	for k, v := range r.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and keeps the rest.
func (r *Record) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("status: unmarshal record: %w", err)
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("status: unmarshal record: %w", err)
	}
	*r = Record{
		status:        w.Status,
		dataReady:     w.DataReady,
		dataCheck:     w.DataCheck,
		processStatus: ProcessStatus(deref(w.ProcessStatus)),
		DataResponse:  deref(w.DataResponse),
		CloudLocation: deref(w.CloudLocation),
		LastError:     deref(w.LastError),
		RequestedAt:   w.RequestedAt.ptr(),
		ProcessedAt:   w.ProcessedAt.ptr(),
		LastRefresh:   w.LastRefresh.ptr(),
		LastUpdated:   w.LastUpdated.ptr(),
		StartDate:     w.StartDate.ptr(),
		EndDate:       w.EndDate.ptr(),
	}
	if r.status == "" {
		r.status = StatusUnknown
	}
	for _, k := range knownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		r.extra = all
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optTime(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	return &Timestamp{Time: *t}
}

// Timestamp is a time that accepts the timestamp layouts found in existing
// status documents, with or without a zone. Zoneless values are UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses s using the accepted layouts.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("status: unrecognised timestamp %q", s)
}

// MarshalJSON writes the time as RFC 3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null, empty strings and any accepted layout.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("status: timestamp: %w", err)
	}
	if s == "" {
		return nil
	}
	// Unparseable values read as absent; callers that need them report it.
	if parsed, err := ParseTimestamp(s); err == nil {
		t.Time = parsed
	}
	return nil
}

func (t *Timestamp) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
