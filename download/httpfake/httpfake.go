// Package httpfake is a test double for download.HTTPClient.
package httpfake

import (
	"context"
	"io"
	"strings"
	"time"

	"openenterprise/meshota/download"
)

// Client serves one canned Response per call, in order; the last is
// reused if more calls arrive than responses configured.
type Client struct {
	Responses []download.Response
	Bodies    []string
	Err       error
	Calls     int
}

func (c *Client) Fetch(ctx context.Context, url string, timeout time.Duration) (download.Response, error) {
	if c.Err != nil {
		return download.Response{}, c.Err
	}
	idx := c.Calls
	if idx >= len(c.Responses) {
		idx = len(c.Responses) - 1
	}
	c.Calls++
	resp := c.Responses[idx]
	body := ""
	if idx < len(c.Bodies) {
		body = c.Bodies[idx]
	}
	resp.Body = io.NopCloser(strings.NewReader(body))
	return resp, nil
}
