// Package notify receives request completion announcements over AMQP.
//
// A relay that watches the upstream result server can publish a JSON
// message {"request_id": "..."} on a fanout exchange when a request's
// output is complete. Pollers consult the Tracker before probing the
// result server over HTTP. Without a broker the Tracker stays empty and
// every poll falls through to HTTP.
package notify
