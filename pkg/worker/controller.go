package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const UserAgent = "fastchat Client"

var ErrUnexpectedStatus = errors.New("unexpected status code")

// modelPriority orders the well known models first in model lists.
var modelPriority = map[string]string{
	"vicuna-13b":              "aaa",
	"koala-13b":               "aab",
	"oasst-sft-1-pythia-12b":  "aac",
	"dolly-v2-12b":            "aad",
	"chatglm-6b":              "aae",
	"stablelm-tuned-alpha-7b": "aaf",
}

// SortModels sorts model names by priority, unknown models by name.
func SortModels(models []string) {
	key := func(m string) string {
		if p, ok := modelPriority[m]; ok {
			return p
		}
		return m
	}
	sort.SliceStable(models, func(i, j int) bool {
		return key(models[i]) < key(models[j])
	})
}

// ControllerClient talks to the controller that keeps track of model workers.
type ControllerClient struct {
	BaseURL string
	client  *http.Client
	policy  AddressPolicy
}

type ControllerOption func(*ControllerClient)

// WithControllerTimeout bounds every controller request.
func WithControllerTimeout(d time.Duration) ControllerOption {
	return func(c *ControllerClient) {
		c.client.Timeout = d
	}
}

func WithControllerHTTPClient(client *http.Client) ControllerOption {
	return func(c *ControllerClient) {
		c.client = client
	}
}

// WithAddressPolicy sets the policy worker addresses returned by the controller are
// checked against.
func WithAddressPolicy(p AddressPolicy) ControllerOption {
	return func(c *ControllerClient) {
		c.policy = p
	}
}

func NewControllerClient(baseURL string, options ...ControllerOption) *ControllerClient {
	c := &ControllerClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		policy:  DefaultAddressPolicy(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *ControllerClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, payload)
	if err != nil {
		return errors.Wrapf(err, "could not create request for %s", path)
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "controller request %s failed", path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrUnexpectedStatus, "%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "could not decode %s response", path)
	}
	return nil
}

// RefreshAllWorkers asks the controller to recheck its workers.
func (c *ControllerClient) RefreshAllWorkers(ctx context.Context) error {
	return c.post(ctx, "/refresh_all_workers", nil, nil)
}

// ListModels returns the models served by the registered workers, sorted by priority.
func (c *ControllerClient) ListModels(ctx context.Context) ([]string, error) {
	var resp struct {
		Models []string `json:"models"`
	}
	if err := c.post(ctx, "/list_models", nil, &resp); err != nil {
		return nil, err
	}
	SortModels(resp.Models)
	log.Info().Strs("models", resp.Models).Msg("Models")
	return resp.Models, nil
}

// WorkerAddress returns the address of a worker serving model, or an empty string if there
// is none.
func (c *ControllerClient) WorkerAddress(ctx context.Context, model string) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/get_worker_address", map[string]string{"model": model}, &resp); err != nil {
		return "", err
	}
	log.Debug().Str("model", model).Str("worker_addr", resp.Address).Msg("resolved worker address")
	if resp.Address == "" {
		return "", nil
	}
	if err := c.policy.Validate(resp.Address); err != nil {
		return "", err
	}
	return resp.Address, nil
}
