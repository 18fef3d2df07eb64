package notify

import (
	"sync"
	"testing"
)

func TestTrackerHandle(t *testing.T) {
	tr := NewTracker()
	if tr.Completed("r-1") {
		t.Fatal("empty tracker reports completion")
	}
	if err := tr.Handle([]byte(`{"request_id": "r-1", "status_url": "https://example.org/r-1/status.txt"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !tr.Completed("r-1") || tr.Completed("r-2") {
		t.Error("unexpected completion state")
	}
}

func TestTrackerHandleInvalid(t *testing.T) {
	tr := NewTracker()
	for _, body := range []string{`not json`, `{}`, `{"status_url": "x"}`} {
		if err := tr.Handle([]byte(body)); err == nil {
			t.Errorf("Handle(%s): expected error", body)
		}
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(Completion{RequestID: "r"})
			tr.Completed("r")
		}()
	}
	wg.Wait()
	if !tr.Completed("r") {
		t.Error("completion lost")
	}
}
