package utskick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func NewClient(host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host: host,
	}
}

// Client talks to a running utskick API.
type Client struct {
	host string
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, buf)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(respBytes, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(respBytes)
		}
		if resp.StatusCode == http.StatusBadRequest {
			return &ValidationError{Message: apiErr.Message}
		}
		return fmt.Errorf("api returned %d, %s", resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}

// Submit schedules a new batch.
func (c *Client) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	var r Receipt
	err := c.do(ctx, http.MethodPost, "/batches", sub, &r)
	return r, err
}

type messageList struct {
	Messages []Message `json:"messages"`
}

// Scheduled lists every message still waiting for its fire time, ordered by
// scheduled time ascending.
func (c *Client) Scheduled(ctx context.Context) ([]Message, error) {
	var l messageList
	err := c.do(ctx, http.MethodGet, "/batches/scheduled", nil, &l)
	return l.Messages, err
}

// SentOrFailed lists messages with a terminal outcome, most recently sent
// first.
func (c *Client) SentOrFailed(ctx context.Context) ([]Message, error) {
	var l messageList
	err := c.do(ctx, http.MethodGet, "/batches/sent-or-failed", nil, &l)
	return l.Messages, err
}

// Batch fetches one batch with its progress counts.
func (c *Client) Batch(ctx context.Context, id string) (BatchStatus, error) {
	var b BatchStatus
	err := c.do(ctx, http.MethodGet, "/batches/"+id, nil, &b)
	return b, err
}

// BatchStatus is a batch together with its message counts, as returned by
// GET /batches/:id.
type BatchStatus struct {
	Batch
	Scheduled int64 `json:"scheduled"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
}
