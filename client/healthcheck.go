package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// CheckHealth requests path from the upstream and fails unless it answers
// with a non error status.
func (c *HTTPClient) CheckHealth(ctx context.Context, path string) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upstream health check %s: %s", path, resp.Status)
	}

	return nil
}
