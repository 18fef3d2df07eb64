// Package zarr reads, creates and appends to zarr v2 groups in cloud storage.
//
// A store is a group of named arrays sharing a leading time dimension, which
// is the only axis that grows. Arrays are chunked along time only; all other
// dimensions are stored whole. It is storage-agnostic via gocloud.dev/blob.
//
// # Writing
//
// Use [Create] to write a fresh store from an in-memory [Dataset] and
// [ComputeEncodings] to derive chunk geometry from a target chunk size.
// Use [Open] and [Store.Append] to add rows; the stored encodings are reused
// so chunk boundaries stay stable across appends. [Store.Reconcile] aligns
// non-time dimensions before an append.
//
// # Consistency
//
// Every structural write removes the consolidated metadata first and writes
// it again last, with the time array written after all other arrays. A store
// without .zmetadata was interrupted; [Open] repairs it by truncating arrays
// to the committed length of time. [Store.WaitReady] blocks until the marker
// is visible.
//
// # Storage Layout
//
//	{bucket}/{root}/.zgroup
//	{bucket}/{root}/.zattrs
//	{bucket}/{root}/.zmetadata            (consolidated, written last)
//	{bucket}/{root}/{var}/.zarray
//	{bucket}/{root}/{var}/.zattrs         (_ARRAY_DIMENSIONS and CF attributes)
//	{bucket}/{root}/{var}/{k}.0.0         (chunk k along time)
//
// # Codecs
//
// Chunks are compressed with zstd (default level 3) or lz4, after a byte
// shuffle filter for multi-byte dtypes, in the numcodecs wire formats.
package zarr
