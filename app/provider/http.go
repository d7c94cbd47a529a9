package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 512

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: defaultTimeout(timeout)}
}

// send executes req and returns the response body. Transport failures and
// non-2xx answers are mapped onto the package sentinels.
func send(client *http.Client, name string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(name, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(name, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s path=%s", ErrNotFound, name, req.URL.Path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s path=%s status=%d body=%s", ErrProviderRequest, name, req.URL.Path, resp.StatusCode, truncate(body))
	}

	return body, nil
}

func transportError(name, path string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s path=%s: %v", ErrProviderTimeout, name, path, err)
	}
	return fmt.Errorf("%w: %s path=%s: %v", ErrProviderRequest, name, path, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/" + strings.TrimLeft(path, "/")
}
