package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReader(t *testing.T) {
	body := `{"error_code": 0, "text": "a"}` + "\x00" +
		"\x00" +
		`{"error_code": 0, "text": "ab"}` + "\x00" +
		`{"error_code": 0, "text": "abc"}`
	r := NewFrameReader(strings.NewReader(body))

	var texts []string
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 0, f.ErrorCode)
		texts = append(texts, f.Text)
	}
	assert.Equal(t, []string{"a", "ab", "abc"}, texts)
}

func TestFrameReaderMalformed(t *testing.T) {
	r := NewFrameReader(strings.NewReader(`{"error_code": 0, "text": "a"}` + "\x00" + "{nope\x00"))
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestSortModels(t *testing.T) {
	models := []string{"zeta", "chatglm-6b", "alpaca-13b", "vicuna-13b", "koala-13b"}
	SortModels(models)
	assert.Equal(t, []string{"vicuna-13b", "koala-13b", "chatglm-6b", "alpaca-13b", "zeta"}, models)
}

func newController(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh_all_workers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/list_models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []string{"llama-7b", "dolly-v2-12b", "vicuna-13b"},
		})
	})
	mux.HandleFunc("/get_worker_address", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		addr := ""
		if body["model"] == "vicuna-13b" {
			addr = "http://worker-1:21002"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"address": addr})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestControllerClient(t *testing.T) {
	srv := newController(t)
	c := NewControllerClient(srv.URL + "/")
	ctx := context.Background()

	require.NoError(t, c.RefreshAllWorkers(ctx))

	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vicuna-13b", "dolly-v2-12b", "llama-7b"}, models)

	addr, err := c.WorkerAddress(ctx, "vicuna-13b")
	require.NoError(t, err)
	assert.Equal(t, "http://worker-1:21002", addr)

	addr, err = c.WorkerAddress(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "", addr)
}

func TestControllerClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewControllerClient(srv.URL).WorkerAddress(context.Background(), "m")
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestControllerClientTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewControllerClient(srv.URL, WithControllerTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.WorkerAddress(context.Background(), "m")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStreamClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/worker_generate_stream", r.URL.Path)
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "vicuna-13b", req["model"])
		assert.Equal(t, "hello", req["prompt"])
		assert.Equal(t, 0.7, req["temperature"])
		assert.Equal(t, float64(512), req["max_new_tokens"])
		stop, ok := req["stop"]
		assert.True(t, ok)
		assert.Nil(t, stop)

		_, _ = w.Write([]byte(`{"error_code": 0, "text": "hello world"}` + "\x00"))
	}))
	defer srv.Close()

	s := NewStreamClient(WithConnectTimeout(time.Second))
	body, err := s.GenerateStream(context.Background(), srv.URL, GenerateRequest{
		Model:        "vicuna-13b",
		Prompt:       "hello",
		Temperature:  0.7,
		MaxNewTokens: 512,
	})
	require.NoError(t, err)
	defer body.Close()

	f, err := NewFrameReader(body).Next()
	require.NoError(t, err)
	assert.Equal(t, "hello world", f.Text)
}

func TestStreamClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewStreamClient().GenerateStream(context.Background(), srv.URL, GenerateRequest{Model: "m"})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}
