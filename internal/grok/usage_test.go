package grok

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newUsageServer(t *testing.T, handler http.HandlerFunc) *UsageClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewUsageClient(UsageOptions{BaseURL: srv.URL})
}

func TestQueryRemainingParsesQuota(t *testing.T) {
	var gotBody []byte
	var gotReq *http.Request
	client := newUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remainingTokens":37,"totalTokens":80}`))
	})

	remaining, err := client.QueryRemaining(context.Background(), "sso=secret-1", "")
	require.NoError(t, err)
	assert.Equal(t, 37, remaining)

	require.NotNil(t, gotReq)
	assert.Equal(t, http.MethodPost, gotReq.Method)
	assert.Equal(t, limitsPath, gotReq.URL.Path)
	assert.Equal(t, "sso=secret-1", gotReq.Header.Get("Cookie"), "sso prefix is normalized into the cookie")
	assert.NotEmpty(t, gotReq.Header.Get("x-statsig-id"))
	assert.NotEmpty(t, gotReq.Header.Get("x-xai-request-id"))

	assert.Equal(t, "DEFAULT", gjson.GetBytes(gotBody, "requestKind").String())
	assert.Equal(t, DefaultUsageModel, gjson.GetBytes(gotBody, "modelName").String())
}

func TestQueryRemainingCustomModel(t *testing.T) {
	var gotBody []byte
	client := newUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"remainingTokens":5}`))
	})

	_, err := client.QueryRemaining(context.Background(), "secret-1", "grok-3")
	require.NoError(t, err)
	assert.Equal(t, "grok-3", gjson.GetBytes(gotBody, "modelName").String())
}

func TestQueryRemainingAuthFailure(t *testing.T) {
	client := newUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	_, err := client.QueryRemaining(context.Background(), "secret-1", "")
	require.Error(t, err)

	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusUnauthorized, uerr.StatusCode())
}

func TestQueryRemainingCFClearanceCookie(t *testing.T) {
	var cookie string
	client := newUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		_, _ = w.Write([]byte(`{"remainingTokens":1}`))
	})
	client.cfClearance = "cf-abc"

	_, err := client.QueryRemaining(context.Background(), "secret-1", "")
	require.NoError(t, err)
	assert.Equal(t, "sso=secret-1;cf_clearance=cf-abc", cookie)
}
