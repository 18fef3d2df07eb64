// Package m2m is a client for the OOI machine-to-machine (M2M) API.
//
// Data requests are asynchronous: an estimate-only request reports whether
// the upstream holds data for a range, the real request returns the
// locations where result files will appear, and the request is complete
// once the result server publishes status.txt in its output directory.
// Result files are listed through the THREDDS catalog of the request.
//
// The client also finds earlier completed requests in the user's result
// catalog (GoldCopy) so that refresh runs can reuse them.
//
// Failures that should be retried later, such as 5xx responses, transport
// errors and the upstream maintenance page, wrap ErrUnavailable. Requests
// the upstream rejects are reported as data (Estimate.Available,
// Result.Failed) rather than errors.
package m2m
