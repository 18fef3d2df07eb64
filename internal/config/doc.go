// Package config defines configuration structures for the harvest CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (HARVEST_ prefix, plus OOI_USERNAME, OOI_TOKEN
//     and OOI_EMAIL for upstream credentials)
//   - YAML configuration file
//
// Byte sizes such as max_chunk use decimal units ("100MB" is 100,000,000
// bytes); durations use Go syntax ("10m", "15m").
//
// # Example
//
//	status_bucket: s3://harvest-metadata
//	cache_bucket: s3://flow-process-bucket
//	temp_bucket: s3://temp-ooi-data-prod
//	max_chunk: 100MB
//	compressor: zstd
//	concurrency: 50
//	poll:
//	  attempts: 6
//	  interval: 10m
//
// # Stream Configs
//
// Each stream is described by its own YAML file:
//
//	instrument: CE02SHSM-RID27-03-CTDBPC000
//	stream:
//	  method: telemetered
//	  name: ctdbp_cdef_dcl_instrument
//	harvest_options:
//	  path: s3://ooi-data
//	  refresh: false
//	  custom_range:
//	    start: "2021-01-01T00:00:00"
//	workflow_config:
//	  schedule: "0 0 * * *"
package config
