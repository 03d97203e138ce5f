package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const providerTimeout = 10 * time.Second

func newProviderClient() *http.Client {
	return &http.Client{Timeout: providerTimeout}
}

// postJSON posts payload and treats any 2xx as delivered. The first part of
// an error body is kept in the error for the logs.
func postJSON(client *http.Client, provider, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", provider, err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: post: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: status %d: %s", provider, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
