// Package harvest incrementally mirrors observatory streams into chunked
// array stores.
//
// A run of one stream moves through fixed stages, each ending in a Result:
//
//	check     decide from the status record whether to request, poll or skip
//	request   estimate the range, submit (or reuse) the data request
//	response  load the cached response of a pending request
//	poll      wait for the request output to complete
//	process   download, prepare and append each result file
//	finalize  publish the store and record its time coverage
//
// Retry results are retried with the pipeline's RetryPolicy, Skip ends the
// run cleanly and Fatal aborts it. Every status change is written through
// the status store before the run continues, so an interrupted run resumes
// from the recorded phase.
//
// Basic usage:
//
//	p, err := harvest.New(cfg, harvest.Deps{...})
//	if err != nil {
//	    return err
//	}
//	results := p.RunAll(ctx, targets)
package harvest
