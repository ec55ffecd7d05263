// Package client submits benchmark jobs to a zeek-benchmarker API server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/signature"
)

const defaultTimeout = 30 * time.Second

// Submission is one job request.
type Submission struct {
	Kind      string
	Branch    string
	BuildURL  string
	BuildHash string
	Commit    string
	// Extra carries optional CI metadata parameters (cirrus_pr, ...).
	Extra map[string]string
}

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the API server.
type Client struct {
	log     logrus.FieldLogger
	baseURL string
	key     []byte
	http    *http.Client
	now     func() time.Time
}

// New creates a Client for the server at baseURL. Submissions are signed
// with key unless it is empty.
func New(log logrus.FieldLogger, baseURL string, key []byte) *Client {
	return &Client{
		log:     log.WithField("component", "client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}
}

// Submit sends s and returns the queued entry.
func (c *Client) Submit(ctx context.Context, s Submission) (*queue.Entry, error) {
	switch s.Kind {
	case request.KindZeek, request.KindBroker:
	default:
		return nil, fmt.Errorf("unknown job kind %q", s.Kind)
	}

	path := "/" + s.Kind

	q := url.Values{}
	for k, v := range s.Extra {
		q.Set(k, v)
	}

	q.Set("branch", s.Branch)
	q.Set("build", s.BuildURL)

	if s.BuildHash != "" {
		q.Set("build_hash", s.BuildHash)
	}

	if s.Commit != "" {
		q.Set("commit", s.Commit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if len(c.key) > 0 {
		ts := c.now().Unix()

		req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(signature.HeaderSignature, signature.Sign(c.key, path, ts, s.BuildHash))
	}

	var resp struct {
		Job queue.Entry `json:"job"`
	}

	if err := c.do(req, &resp); err != nil {
		return nil, err
	}

	c.log.WithField("job_id", resp.Job.ID).
		WithField("kind", s.Kind).
		Info("Job submitted")

	return &resp.Job, nil
}

// Job fetches the stored job and its results as raw JSON.
func (c *Client) Job(ctx context.Context, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}

		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}

		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
