// Package question is the HTTP client for the question-bank collaborator.
// Only the random-question lookup is used by the matching core.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client fetches questions from the question service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a question service client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// RandomQuestion returns the id of a random question matching the
// criteria, or "" if the service has no question for them.
func (c *Client) RandomQuestion(ctx context.Context, topic, difficulty string) (string, error) {
	u := fmt.Sprintf("%s/questions/random?topic=%s&difficulty=%s",
		c.baseURL, url.QueryEscape(topic), url.QueryEscape(difficulty))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("question: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("question: fetch random question: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			QuestionID string `json:"questionId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("question: decode response: %w", err)
		}
		return body.QuestionID, nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("question: unexpected status %d", resp.StatusCode)
	}
}
