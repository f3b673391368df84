package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressPolicy(t *testing.T) {
	strict := AddressPolicy{}
	tests := []struct {
		addr   string
		policy AddressPolicy
		ok     bool
	}{
		{"http://10.0.0.12:21002", DefaultAddressPolicy(), true},
		{"http://localhost:21002", DefaultAddressPolicy(), true},
		{"https://worker.example.com", DefaultAddressPolicy(), true},
		{"ftp://worker:21", DefaultAddressPolicy(), false},
		{"worker:21002", DefaultAddressPolicy(), false},
		{"http://", DefaultAddressPolicy(), false},
		{"http://0.0.0.0:21002", DefaultAddressPolicy(), true},
		{"https://0.0.0.0:21002", strict, false},
		{"http://[::]:21002", DefaultAddressPolicy(), true},
		{"http://[ff02::1]:21002", DefaultAddressPolicy(), false},
		{"http://worker:21002/?x=1", DefaultAddressPolicy(), false},
		{"https://[fe80::1%25eth0]/", DefaultAddressPolicy(), true},
		{"https://[fe80::1%25eth0]/", strict, false},
		{"http://worker.example.com", strict, false},
		{"https://worker.example.com", strict, true},
		{"https://127.0.0.1", strict, false},
		{"https://[::ffff:192.168.1.1]", strict, false},
		{"https://gpu.local", strict, false},
	}
	for _, tt := range tests {
		err := tt.policy.Validate(tt.addr)
		if tt.ok {
			assert.NoError(t, err, tt.addr)
		} else {
			assert.ErrorIs(t, err, ErrInvalidAddress, tt.addr)
		}
	}
}

func TestControllerRejectsInvalidWorkerAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"address": "http://10.1.2.3:21002"})
	}))
	defer srv.Close()

	_, err := NewControllerClient(srv.URL, WithAddressPolicy(AddressPolicy{AllowHTTP: true})).
		WorkerAddress(context.Background(), "vicuna-13b")
	require.ErrorIs(t, err, ErrInvalidAddress)

	addr, err := NewControllerClient(srv.URL).WorkerAddress(context.Background(), "vicuna-13b")
	require.NoError(t, err)
	assert.Equal(t, "http://10.1.2.3:21002", addr)
}
