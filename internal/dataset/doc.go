// Package dataset reads request result files and prepares them for the
// array store.
//
// A result file goes through three steps before it is written:
//
//	ds, err := dataset.JSONDecoder{}.Decode(ctx, path)
//	dropped, err := dataset.Prepare(ds)
//	dataset.Normalize(ds, dataset.Provenance{Downloaded: d, Processed: now})
//
// followed by CheckDuplicates for daily harvests or StripEmptyQartod for
// refreshes.
package dataset
