package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrTransport marks a failure to reach the external service or a server-side error.
var ErrTransport = errors.New("service transport failure")

const maxResponseBytes = 1 << 20

// HTTPInvoker posts the task input as JSON to URL.
//
// A 2xx response body is the task output. A 4xx response is a business refusal, except 408 and 429
// which are retried. 5xx responses and network errors are transport failures.
type HTTPInvoker struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type errorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Invoke implements the Invoker interface.
func (h *HTTPInvoker) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := map[string]interface{}{}
		if len(bytes.TrimSpace(data)) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, &BusinessError{Code: "invalid_response", Message: fmt.Sprintf("response is not a JSON object: %v", err)}
		}
		return out, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var p errorPayload
		_ = json.Unmarshal(data, &p)
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &BusinessError{Code: p.Code, Message: msg}
	default:
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}
}
