/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package openrouter is the HTTP client for the external LLM provider. All
// failures leave this package already classified, so the executor never
// inspects raw HTTP errors.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	taskerrors "github.com/asynctaskflow/taskflow/pkg/errors"
	"github.com/asynctaskflow/taskflow/pkg/operator/logging"
)

const (
	maxTokens      = 500
	temperature    = 0.3
	maxBodyBytes   = 1 << 20
	refererHeader  = "https://github.com/asynctaskflow/taskflow"
	titleHeader    = "taskflow"
	completionPath = "/chat/completions"
	creditsPath    = "/credits"
)

// ContentPart is one element of a multimodal message. Text parts carry Text;
// image parts carry an ImageURL with a data URL.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message is one chat turn. Content is either a plain string or a list of
// ContentParts; Parts wins when set.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// Credits is the provider's account balance report. Balance is total credits
// minus total usage; its drift against the live status endpoint is a known
// provider quirk the poller tolerates.
type Credits struct {
	TotalCredits float64 `json:"total_credits"`
	TotalUsage   float64 `json:"total_usage"`
}

func (c Credits) Balance() float64 {
	return c.TotalCredits - c.TotalUsage
}

// Client is the pluggable provider surface the handlers call.
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
	Credits(ctx context.Context) (Credits, error)
}

type DefaultClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewDefaultClient(baseURL, apiKey, model string, timeout time.Duration) *DefaultClient {
	return &DefaultClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ChatCompletion runs one completion and returns the first choice's content.
func (c *DefaultClient) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", taskerrors.NewPermanent(taskerrors.SubAPIKeyInvalid, "api key not configured")
	}
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encoding completion request, %w", err)
	}
	raw, status, err := c.do(ctx, http.MethodPost, completionPath, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", taskerrors.Classify(status, errorMessage(raw, status), nil)
	}
	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", taskerrors.ClassifyJSON("undecodable completion response", err)
	}
	if decoded.Error != nil {
		return "", taskerrors.Classify(status, decoded.Error.Message, nil)
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return "", taskerrors.ClassifyJSON("completion response contained no choices", nil)
	}
	return decoded.Choices[0].Message.Content, nil
}

// Credits fetches account totals for the credits poller.
func (c *DefaultClient) Credits(ctx context.Context) (Credits, error) {
	raw, status, err := c.do(ctx, http.MethodGet, creditsPath, nil)
	if err != nil {
		return Credits{}, err
	}
	if status < 200 || status >= 300 {
		return Credits{}, taskerrors.Classify(status, errorMessage(raw, status), nil)
	}
	var decoded struct {
		Data Credits `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Credits{}, taskerrors.ClassifyJSON("undecodable credits response", err)
	}
	return decoded.Data, nil
}

func (c *DefaultClient) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building provider request, %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", refererHeader)
	req.Header.Set("X-Title", titleHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.FromContext(ctx).Debugf("closing provider response body, %v", err)
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, classifyTransport(err)
	}
	return raw, resp.StatusCode, nil
}

// classifyTransport maps wire-level failures (no HTTP status) onto the
// transient taxonomy.
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return taskerrors.NewTransient(taskerrors.SubNetworkTimeout, "provider call timed out: %v", err)
	}
	return taskerrors.Classify(0, err.Error(), err)
}

// errorMessage pulls the provider's error text out of an error body, falling
// back to the raw body so the classifier still sees its patterns.
func errorMessage(raw []byte, status int) string {
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return fmt.Sprintf("provider returned status %d", status)
}
