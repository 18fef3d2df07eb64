package zarr

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
)

// ValidationResult contains the results of validating a store.
type ValidationResult struct {
	Valid           bool     // true if metadata, chunks and time are consistent
	Consolidated    bool     // consolidated metadata marker present
	Variables       int      // number of arrays
	TimeLen         int      // committed length of time
	MissingChunks   int      // chunks referenced by a shape but absent
	ShapeMismatches int      // time indexed arrays whose length differs from time
	Monotonic       bool     // time strictly increasing
	Errors          []string // detailed error messages
}

// Validate checks that a store is complete: the consolidated marker exists,
// every time indexed array matches the length of time, every chunk object is
// present and time is strictly increasing. Only the time array itself is
// downloaded.
//
// Problems with the store are reported in the ValidationResult; the returned
// error is reserved for access failures and a missing store.
func Validate(ctx context.Context, bucket *blob.Bucket, root string) (*ValidationResult, error) {
	ok, err := Exists(ctx, bucket, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, root)
	}
	consolidated, err := bucket.Exists(ctx, keyPrefix(root)+consolidatedKey)
	if err != nil {
		return nil, fmt.Errorf("zarr: check consolidated metadata: %w", err)
	}

	// Read without Open so an interrupted store is reported, not repaired.
	s := newStore(bucket, root)
	if err := s.loadListed(ctx); err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Valid:        consolidated,
		Consolidated: consolidated,
		Variables:    len(s.arrays),
		TimeLen:      s.TimeLen(),
		Monotonic:    true,
		Errors:       make([]string, 0),
	}
	if !consolidated {
		result.Errors = append(result.Errors, "consolidated metadata missing")
	}
	if _, ok := s.arrays[TimeDim]; !ok {
		result.Valid = false
		result.Monotonic = false
		result.Errors = append(result.Errors, "time variable missing")
		return result, nil
	}

	for _, name := range s.Variables() {
		m := s.arrays[name]
		if s.hasTime(name) && m.Shape[0] != result.TimeLen {
			result.Valid = false
			result.ShapeMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s has %d rows, time has %d", name, m.Shape[0], result.TimeLen))
		}
		if product(m.Shape) == 0 && len(m.Shape) > 0 {
			continue
		}
		for k := 0; k < m.chunkCount(); k++ {
			key := s.chunkObject(name, k)
			ok, err := bucket.Exists(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("zarr: check %s: %w", key, err)
			}
			if !ok {
				result.Valid = false
				result.MissingChunks++
				result.Errors = append(result.Errors, fmt.Sprintf("%s chunk %d missing: %s", name, k, key))
			}
		}
	}

	t, err := s.ReadVariable(ctx, TimeDim)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(t.Values); i++ {
		if t.Values[i] <= t.Values[i-1] {
			result.Valid = false
			result.Monotonic = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("time at row %d (%v) does not follow %v", i, t.Values[i], t.Values[i-1]))
			break
		}
	}
	return result, nil
}
