package stream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	seriesPath = "/v1/series"
	logsPath   = "/v1/input"
)

// HTTPClient posts deflated batches to a Datadog compatible API.
type HTTPClient struct {
	name     string
	logger   *logrus.Entry
	client   *http.Client
	endpoint string
	apiKey   string
	accepts  func(status int) bool
}

// NewHTTPClient posts series frames to <baseURL>/v1/series.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, tlsCfg *tls.Config, logger *logrus.Entry) *HTTPClient {
	c := newHTTPClient("http", strings.TrimRight(baseURL, "/")+seriesPath, apiKey, timeout, tlsCfg, logger)
	c.accepts = func(status int) bool { return status >= 200 && status <= 299 }
	return c
}

// NewHTTPLogsClient posts log batches to the logs intake at <baseURL>/v1/input.
func NewHTTPLogsClient(baseURL, apiKey string, timeout time.Duration, tlsCfg *tls.Config, logger *logrus.Entry) *HTTPClient {
	// The logs intake answers 200 or 202 for a stored batch.
	c := newHTTPClient("http-logs", strings.TrimRight(baseURL, "/")+logsPath, apiKey, timeout, tlsCfg, logger)
	c.accepts = func(status int) bool { return status == http.StatusOK || status == http.StatusAccepted }
	return c
}

func newHTTPClient(name, endpoint, apiKey string, timeout time.Duration, tlsCfg *tls.Config, logger *logrus.Entry) *HTTPClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}
	return &HTTPClient{
		name:     name,
		logger:   logger.WithField("transport", name),
		client:   &http.Client{Timeout: timeout, Transport: transport},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

func (c *HTTPClient) Name() string { return c.name }

func (c *HTTPClient) Send(ctx context.Context, p Payload) error {
	target := c.endpoint + "?" + url.Values{"api_key": []string{c.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "deflate")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if !c.accepts(resp.StatusCode) {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.logger.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"points": p.PointCount,
		"bytes":  len(p.Body),
	}).Debug("batch delivered")
	return nil
}

func (c *HTTPClient) Close(context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}
