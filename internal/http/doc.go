// Package http provides the HTTP client used to talk to the upstream M2M
// API and to fetch result files.
//
// This package handles:
//   - Basic auth with the API username and token
//   - A shared request rate limit (golang.org/x/time/rate)
//   - Retry with exponential backoff for transport failures and 5xx
//   - JSON requests whose failures carry the status code and reason
//   - HEAD and range requests for large result files
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:   15 * time.Minute,
//	    Username:  user,
//	    Token:     token,
//	    RateLimit: 10,
//	})
//
//	var toc map[string]any
//	err := client.GetJSON(ctx, baseURL+"/api/m2m/12576/sensor/inv/toc", nil, &toc)
//	var se *http.StatusError
//	if errors.As(err, &se) {
//	    // se.Code, se.Reason
//	}
package http
