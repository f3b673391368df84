package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GenerateRequest is the body of a /worker_generate_stream call. Prompt is either the
// rendered prompt string or the structured message history.
type GenerateRequest struct {
	Model        string      `json:"model"`
	Prompt       interface{} `json:"prompt"`
	Temperature  float64     `json:"temperature"`
	MaxNewTokens int         `json:"max_new_tokens"`
	Stop         *string     `json:"stop"`
}

// StreamClient opens generation streams on model workers.
type StreamClient struct {
	client *http.Client
}

type StreamOption func(*streamConfig)

type streamConfig struct {
	connectTimeout time.Duration
	headerTimeout  time.Duration
	transport      http.RoundTripper
}

// WithConnectTimeout bounds dialing the worker.
func WithConnectTimeout(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		c.connectTimeout = d
	}
}

// WithHeaderTimeout bounds the wait for the worker to start answering.
func WithHeaderTimeout(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		c.headerTimeout = d
	}
}

func WithTransport(t http.RoundTripper) StreamOption {
	return func(c *streamConfig) {
		c.transport = t
	}
}

func NewStreamClient(options ...StreamOption) *StreamClient {
	cfg := &streamConfig{
		connectTimeout: 5 * time.Second,
		headerTimeout:  20 * time.Second,
	}
	for _, o := range options {
		o(cfg)
	}

	transport := cfg.transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: cfg.headerTimeout,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &StreamClient{
		// no overall timeout: a stream lives as long as the generation does
		client: &http.Client{Transport: transport},
	}
}

// GenerateStream posts req to the worker at addr and returns the NUL-delimited frame stream.
// The caller closes the returned body.
func (s *StreamClient) GenerateStream(ctx context.Context, addr string, req GenerateRequest) (io.ReadCloser, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode generate request")
	}

	url := strings.TrimRight(addr, "/") + "/worker_generate_stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "could not create generate request")
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	httpReq.Header.Set("Content-Type", "application/json")

	log.Debug().Str("url", url).Str("model", req.Model).Msg("opening generation stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reach worker %s", addr)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Wrapf(ErrUnexpectedStatus, "worker %s returned %d", addr, resp.StatusCode)
	}
	return resp.Body, nil
}
