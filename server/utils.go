package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
)

// Version is used to get the version of the relay. It is set by the cli
var Version = "dev"

// UserAgent is a custom string type to avoid confusing url + userAgent parameters in SendHTTPRequest
type UserAgent string

// HTTPError is a non-2xx response. Message is the relay's error message when
// the body is an HTTPErrorResp, otherwise the raw body.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error response: %d / %s", e.Code, e.Message)
}

func newHTTPError(code int, body []byte) *HTTPError {
	var resp common.HTTPErrorResp
	if err := json.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		return &HTTPError{Code: code, Message: resp.Message}
	}
	return &HTTPError{Code: code, Message: strings.TrimSpace(string(body))}
}

// SendHTTPRequest sends payload as JSON when set and decodes a 2xx body into
// dst when set. Other statuses are returned as *HTTPError.
func SendHTTPRequest(ctx context.Context, client http.Client, method, url string, userAgent UserAgent, payload any, dst any) (code int, err error) {
	var body io.Reader
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("could not marshal request: %w", err)
		}
		body = bytes.NewReader(payloadBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("could not prepare request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", strings.TrimSpace(fmt.Sprintf("meta-tx-relay/%s %s", Version, userAgent)))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("could not read response body for status code %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode > 299 {
		return resp.StatusCode, newHTTPError(resp.StatusCode, respBody)
	}

	if dst != nil {
		if err := json.Unmarshal(respBody, dst); err != nil {
			return resp.StatusCode, fmt.Errorf("could not unmarshal response %s: %w", string(respBody), err)
		}
	}
	return resp.StatusCode, nil
}

// decodeJSONAndClose decodes a request body, refusing unknown fields
func decodeJSONAndClose(r io.ReadCloser, dst any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
