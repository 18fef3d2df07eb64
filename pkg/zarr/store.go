package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotExist is returned when no store exists at the given path.
var ErrNotExist = errors.New("zarr: store does not exist")

// ErrNoTime is returned when a store or dataset lacks a time variable.
var ErrNoTime = errors.New("zarr: no time variable")

// ErrNonMonotonicTime is returned when an append would make the time axis
// decrease or repeat a timestamp.
var ErrNonMonotonicTime = errors.New("zarr: time is not strictly increasing")

// Store is a zarr v2 group rooted at a path inside a bucket.
//
// A Store assumes a single writer. Concurrent appends to the same path
// corrupt the group.
type Store struct {
	bucket *blob.Bucket
	root   string
	prefix string

	attrs  map[string]any
	arrays map[string]*ArrayMeta
	dims   map[string][]string
	vattrs map[string]map[string]any
}

// Exists reports whether a group has been created at root.
func Exists(ctx context.Context, bucket *blob.Bucket, root string) (bool, error) {
	ok, err := bucket.Exists(ctx, keyPrefix(root)+groupKey)
	if err != nil {
		return false, fmt.Errorf("zarr: check %s: %w", root, err)
	}
	return ok, nil
}

// Open loads the metadata of an existing store. A store whose consolidated
// metadata is missing was interrupted mid-write; Open truncates every time
// indexed array to the committed length of time and consolidates again.
func Open(ctx context.Context, bucket *blob.Bucket, root string) (*Store, error) {
	s := newStore(bucket, root)
	ok, err := Exists(ctx, bucket, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, root)
	}

	data, err := bucket.ReadAll(ctx, s.key(consolidatedKey))
	switch {
	case err == nil:
		if err := s.loadConsolidated(data); err != nil {
			return nil, err
		}
		return s, nil
	case isNotExist(err):
	default:
		return nil, fmt.Errorf("zarr: read consolidated metadata: %w", err)
	}

	if err := s.loadListed(ctx); err != nil {
		return nil, err
	}
	if err := s.repair(ctx); err != nil {
		return nil, fmt.Errorf("zarr: repair %s: %w", root, err)
	}
	return s, nil
}

// Create replaces anything at root with a new store holding ds.
// Variables without an entry in enc get a computed default encoding.
func Create(ctx context.Context, bucket *blob.Bucket, root string, ds *Dataset, enc Encodings) (*Store, error) {
	if ds.Time() == nil {
		return nil, ErrNoTime
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := checkStrictlyIncreasing(ds.Time().Values, nil); err != nil {
		return nil, err
	}
	if err := Delete(ctx, bucket, root); err != nil {
		return nil, err
	}
	enc = enc.Merge(ComputeEncodings(ds, DefaultMaxChunkBytes, DefaultCompressor))

	s := newStore(bucket, root)
	s.attrs = cleanAttrs(ds.Attrs)
	for _, name := range writeOrder(ds) {
		v := ds.Vars[name]
		meta := enc[name].arrayMeta(v.Shape)
		if v.HasTime() {
			meta.Shape[0] = 0
		}
		if err := meta.validate(); err != nil {
			return nil, fmt.Errorf("zarr: %s: %w", name, err)
		}
		s.arrays[name] = meta
		s.dims[name] = slices.Clone(v.Dims)
		s.vattrs[name] = maps.Clone(v.Attrs)
		if err := s.writeRows(ctx, name, v); err != nil {
			return nil, err
		}
	}
	if err := s.writeJSON(ctx, attrsKey, s.attrs); err != nil {
		return nil, err
	}
	if err := s.writeJSON(ctx, groupKey, map[string]int{"zarr_format": 2}); err != nil {
		return nil, err
	}
	if err := s.Consolidate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes every object under root.
func Delete(ctx context.Context, bucket *blob.Bucket, root string) error {
	if keyPrefix(root) == "" {
		return errors.New("zarr: refusing to delete the bucket root")
	}
	keys, err := listKeys(ctx, bucket, keyPrefix(root))
	if err != nil {
		return fmt.Errorf("zarr: list %s: %w", root, err)
	}
	// The group marker goes last so a partial delete is still recognised.
	slices.SortFunc(keys, func(a, b string) int {
		return boolCmp(path.Base(a) == groupKey, path.Base(b) == groupKey)
	})
	for _, key := range keys {
		if err := bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return fmt.Errorf("zarr: delete %s: %w", key, err)
		}
	}
	return nil
}

// Copy replaces the store at dstRoot with a copy of the store at srcRoot.
// The consolidated metadata is written last.
func Copy(ctx context.Context, src *blob.Bucket, srcRoot string, dst *blob.Bucket, dstRoot string) error {
	if err := Delete(ctx, dst, dstRoot); err != nil {
		return err
	}
	srcPrefix, dstPrefix := keyPrefix(srcRoot), keyPrefix(dstRoot)
	keys, err := listKeys(ctx, src, srcPrefix)
	if err != nil {
		return fmt.Errorf("zarr: list %s: %w", srcRoot, err)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return boolCmp(a == srcPrefix+consolidatedKey, b == srcPrefix+consolidatedKey)
	})
	for _, key := range keys {
		to := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		if src == dst {
			err = src.Copy(ctx, to, key, nil)
		} else {
			var data []byte
			data, err = src.ReadAll(ctx, key)
			if err == nil {
				err = dst.WriteAll(ctx, to, data, nil)
			}
		}
		if err != nil {
			return fmt.Errorf("zarr: copy %s: %w", key, err)
		}
	}
	return nil
}

// Root returns the path of the store inside its bucket.
func (s *Store) Root() string {
	return s.root
}

// Variables returns the array names in sorted order.
func (s *Store) Variables() []string {
	return slices.Sorted(maps.Keys(s.arrays))
}

// Dims returns the dimension names of a variable.
func (s *Store) Dims(name string) []string {
	return slices.Clone(s.dims[name])
}

// Shape returns the shape of a variable.
func (s *Store) Shape(name string) []int {
	if m, ok := s.arrays[name]; ok {
		return slices.Clone(m.Shape)
	}
	return nil
}

// Attrs returns a copy of the group attributes.
func (s *Store) Attrs() map[string]any {
	return maps.Clone(s.attrs)
}

// VariableAttrs returns a copy of a variable's attributes.
func (s *Store) VariableAttrs(name string) map[string]any {
	return maps.Clone(s.vattrs[name])
}

// Encodings returns the stored encoding of every variable.
func (s *Store) Encodings() Encodings {
	enc := make(Encodings, len(s.arrays))
	for name, m := range s.arrays {
		enc[name] = m.encoding()
	}
	return enc
}

// TimeLen returns the committed length of the time axis.
func (s *Store) TimeLen() int {
	if m, ok := s.arrays[TimeDim]; ok && len(m.Shape) > 0 {
		return m.Shape[0]
	}
	return 0
}

// SetAttrs merges attrs into the group attributes and consolidates.
func (s *Store) SetAttrs(ctx context.Context, attrs map[string]any) error {
	maps.Copy(s.attrs, cleanAttrs(attrs))
	if err := s.writeJSON(ctx, attrsKey, s.attrs); err != nil {
		return err
	}
	return s.Consolidate(ctx)
}

// RemoveVariables deletes the named arrays and consolidates.
func (s *Store) RemoveVariables(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.deleteMarker(ctx); err != nil {
		return err
	}
	for _, name := range names {
		if name == TimeDim {
			return fmt.Errorf("zarr: refusing to remove %s", TimeDim)
		}
		keys, err := listKeys(ctx, s.bucket, s.key(name)+"/")
		if err != nil {
			return fmt.Errorf("zarr: list %s: %w", name, err)
		}
		for _, key := range keys {
			if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
				return fmt.Errorf("zarr: delete %s: %w", key, err)
			}
		}
		delete(s.arrays, name)
		delete(s.dims, name)
		delete(s.vattrs, name)
	}
	return s.Consolidate(ctx)
}

// Consolidate writes .zmetadata from the in-memory metadata. Its presence
// marks the store as complete.
func (s *Store) Consolidate(ctx context.Context) error {
	c := consolidated{Metadata: make(map[string]json.RawMessage), Format: 1}
	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("zarr: marshal %s: %w", key, err)
		}
		c.Metadata[key] = data
		return nil
	}
	if err := put(groupKey, map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	if err := put(attrsKey, s.attrs); err != nil {
		return err
	}
	for name, m := range s.arrays {
		if err := put(name+"/"+arrayKey, m); err != nil {
			return err
		}
		if err := put(name+"/"+attrsKey, s.storedVarAttrs(name)); err != nil {
			return err
		}
	}
	return s.writeJSON(ctx, consolidatedKey, c)
}

// Ready reports whether the consolidated metadata marker is present.
func (s *Store) Ready(ctx context.Context) (bool, error) {
	return s.bucket.Exists(ctx, s.key(consolidatedKey))
}

// WaitReady blocks until the consolidated metadata marker is visible.
func (s *Store) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		ok, err := s.Ready(ctx)
		if err != nil {
			return fmt.Errorf("zarr: check ready: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func newStore(bucket *blob.Bucket, root string) *Store {
	return &Store{
		bucket: bucket,
		root:   root,
		prefix: keyPrefix(root),
		attrs:  make(map[string]any),
		arrays: make(map[string]*ArrayMeta),
		dims:   make(map[string][]string),
		vattrs: make(map[string]map[string]any),
	}
}

func keyPrefix(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return ""
	}
	return root + "/"
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) storedVarAttrs(name string) map[string]any {
	attrs := cleanAttrs(s.vattrs[name])
	attrs[dimsAttr] = slices.Clone(s.dims[name])
	return attrs
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("zarr: marshal %s: %w", key, err)
	}
	if err := s.bucket.WriteAll(ctx, s.key(key), data, nil); err != nil {
		return fmt.Errorf("zarr: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) writeArrayMeta(ctx context.Context, name string) error {
	if err := s.writeJSON(ctx, name+"/"+arrayKey, s.arrays[name]); err != nil {
		return err
	}
	return s.writeJSON(ctx, name+"/"+attrsKey, s.storedVarAttrs(name))
}

func (s *Store) deleteMarker(ctx context.Context) error {
	if err := s.bucket.Delete(ctx, s.key(consolidatedKey)); err != nil && !isNotExist(err) {
		return fmt.Errorf("zarr: delete consolidated metadata: %w", err)
	}
	return nil
}

func (s *Store) loadConsolidated(data []byte) error {
	var c consolidated
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("zarr: unmarshal consolidated metadata: %w", err)
	}
	if raw, ok := c.Metadata[attrsKey]; ok {
		if err := json.Unmarshal(raw, &s.attrs); err != nil {
			return fmt.Errorf("zarr: unmarshal group attributes: %w", err)
		}
	}
	for key, raw := range c.Metadata {
		name, ok := strings.CutSuffix(key, "/"+arrayKey)
		if !ok {
			continue
		}
		var m ArrayMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("zarr: unmarshal %s: %w", key, err)
		}
		var attrs map[string]any
		if raw, ok := c.Metadata[name+"/"+attrsKey]; ok {
			if err := json.Unmarshal(raw, &attrs); err != nil {
				return fmt.Errorf("zarr: unmarshal %s attributes: %w", name, err)
			}
		}
		if err := s.addArray(name, &m, attrs); err != nil {
			return err
		}
	}
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	return nil
}

// loadListed reads metadata from the individual documents.
func (s *Store) loadListed(ctx context.Context) error {
	if data, err := s.bucket.ReadAll(ctx, s.key(attrsKey)); err == nil {
		if err := json.Unmarshal(data, &s.attrs); err != nil {
			return fmt.Errorf("zarr: unmarshal group attributes: %w", err)
		}
	} else if !isNotExist(err) {
		return fmt.Errorf("zarr: read group attributes: %w", err)
	}
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	keys, err := listKeys(ctx, s.bucket, s.prefix)
	if err != nil {
		return fmt.Errorf("zarr: list %s: %w", s.root, err)
	}
	for _, key := range keys {
		name, ok := strings.CutSuffix(strings.TrimPrefix(key, s.prefix), "/"+arrayKey)
		if !ok {
			continue
		}
		data, err := s.bucket.ReadAll(ctx, key)
		if err != nil {
			return fmt.Errorf("zarr: read %s: %w", key, err)
		}
		var m ArrayMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("zarr: unmarshal %s: %w", key, err)
		}
		var attrs map[string]any
		if data, err := s.bucket.ReadAll(ctx, s.key(name+"/"+attrsKey)); err == nil {
			if err := json.Unmarshal(data, &attrs); err != nil {
				return fmt.Errorf("zarr: unmarshal %s attributes: %w", name, err)
			}
		} else if !isNotExist(err) {
			return fmt.Errorf("zarr: read %s attributes: %w", name, err)
		}
		if err := s.addArray(name, &m, attrs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addArray(name string, m *ArrayMeta, attrs map[string]any) error {
	if err := m.validate(); err != nil {
		return fmt.Errorf("zarr: %s: %w", name, err)
	}
	dims, rest := splitDims(attrs)
	if len(dims) != len(m.Shape) {
		return fmt.Errorf("zarr: %s: %d dimension names for rank %d", name, len(dims), len(m.Shape))
	}
	s.arrays[name] = m
	s.dims[name] = dims
	s.vattrs[name] = rest
	return nil
}

// repair truncates time indexed arrays to the committed time length.
func (s *Store) repair(ctx context.Context) error {
	if _, ok := s.arrays[TimeDim]; !ok {
		return ErrNoTime
	}
	n := s.TimeLen()
	for _, name := range s.Variables() {
		m := s.arrays[name]
		if !s.hasTime(name) || m.Shape[0] == n {
			continue
		}
		m.Shape[0] = n
		if err := s.writeArrayMeta(ctx, name); err != nil {
			return err
		}
	}
	return s.Consolidate(ctx)
}

func (s *Store) hasTime(name string) bool {
	d := s.dims[name]
	return len(d) > 0 && d[0] == TimeDim
}

func listKeys(ctx context.Context, bucket *blob.Bucket, prefix string) ([]string, error) {
	var keys []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// writeOrder lists variables with time written last.
func writeOrder(ds *Dataset) []string {
	names := ds.Names()
	slices.SortStableFunc(names, func(a, b string) int {
		return boolCmp(a == TimeDim, b == TimeDim)
	})
	return names
}
