package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpTimeout bounds every admin API request.
const httpTimeout = 10 * time.Second

// errRequestFailed wraps non-2xx admin API responses.
var errRequestFailed = errors.New("admin API request failed")

// rawJSON carries pre-encoded JSON through apiDo unchanged.
type rawJSON []byte

// MarshalJSON returns the raw bytes as-is.
func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// apiGet performs a GET against the admin API and decodes the JSON
// response into out.
func apiGet(path string, out any) error {
	return apiDo(http.MethodGet, path, nil, out)
}

// apiDo performs one admin API request. body, when non-nil, is
// JSON-encoded; out, when non-nil, receives the decoded response.
func apiDo(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, "http://"+serverAddr+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s: %w",
			method, path, resp.Status, bytes.TrimSpace(msg), errRequestFailed)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
