package printer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStatusClient points a StatusClient at srv.
func newTestStatusClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *StatusClient {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return NewStatusClient(StatusClientConfig{
		Host:         host,
		Port:         p,
		SerialNumber: "SNMOMC9900001",
		CheckCode:    "abcd1234",
		Timeout:      timeout,
	})
}

func TestFetchStatus_PostsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, StatusPath, r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SNMOMC9900001", body["serialNumber"])
		assert.Equal(t, "abcd1234", body["checkCode"])

		// The printer labels JSON as text/plain.
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"code":0,"message":"Success","detail":{"status":"READY","platTemp":24.5}}`))
	}))
	defer srv.Close()

	c := newTestStatusClient(t, srv, 2*time.Second)
	reply, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reply.Code)
	assert.Equal(t, "Success", reply.Message)
	assert.Equal(t, "READY", reply.Detail["status"])
}

func TestFetchStatus_GetUsesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "SNMOMC9900001", r.URL.Query().Get("serialNumber"))
		assert.Equal(t, "abcd1234", r.URL.Query().Get("checkCode"))
		_, _ = w.Write([]byte(`{"code":0,"message":"Success","detail":{"status":"READY"}}`))
	}))
	defer srv.Close()

	c := newTestStatusClient(t, srv, 2*time.Second)
	c.cfg.Method = http.MethodGet
	_, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
}

func TestFetchStatus_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http unauthorized", http.StatusUnauthorized, `nope`, ErrAuth},
		{"bad check code", http.StatusOK, `{"code":1,"message":"check code error","detail":null}`, ErrAuth},
		{"unknown printer code", http.StatusOK, `{"code":7,"message":"busy","detail":null}`, ErrInvalidResponse},
		{"server error", http.StatusInternalServerError, `boom`, ErrConnection},
		{"not json", http.StatusOK, `<html>`, ErrInvalidResponse},
		{"missing detail", http.StatusOK, `{"code":0,"message":"ok"}`, ErrInvalidResponse},
		{"detail not object", http.StatusOK, `{"code":0,"message":"ok","detail":[1,2]}`, ErrInvalidResponse},
		{"detail without status", http.StatusOK, `{"code":0,"message":"ok","detail":{"platTemp":20}}`, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestStatusClient(t, srv, 2*time.Second)
			_, err := c.FetchStatus(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchStatus_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestStatusClient(t, srv, 100*time.Millisecond)
	_, err := c.FetchStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestFetchStatus_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewStatusClient(StatusClientConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second})
	_, err = c.FetchStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestWithCredentials_LeavesOriginal(t *testing.T) {
	c := NewStatusClient(StatusClientConfig{Host: "10.0.0.5", SerialNumber: "old-serial", CheckCode: "old1"})
	c2 := c.WithCredentials("new-serial", "new1")
	assert.Equal(t, "old-serial", c.cfg.SerialNumber)
	assert.Equal(t, "new-serial", c2.cfg.SerialNumber)
	assert.Equal(t, "http://10.0.0.5:8898/detail", c2.URL())
}
