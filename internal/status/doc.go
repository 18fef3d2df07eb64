// Package status persists the per-stream harvest status document.
//
// A [Record] mirrors the JSON document kept at harvest-status/{table} and
// derives a [Phase] from its request and processing flags. Phase changes go
// through [Record.Transition], which consults a fixed transition table:
//
//	idle           -> requested | request_failed | discontinued
//	requested      -> ready | request_failed | processed | idle | discontinued
//	ready          -> processed | process_failed | request_failed | idle | discontinued
//	processed      -> requested | request_failed | discontinued
//	request_failed -> requested | idle | discontinued
//	process_failed -> requested | ready | request_failed | discontinued
//	discontinued   (terminal)
//
// Every phase may also stay where it is, except discontinued.
package status
