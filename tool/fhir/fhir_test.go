package fhir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/tool"
)

const bundle = `{"resourceType":"Bundle","total":2,"entry":[
	{"resource":{"resourceType":"Observation","id":"o1"}},
	{"resource":{"resourceType":"Observation","id":"o2"}}]}`

func TestCall_MockModeWithoutBaseURL(t *testing.T) {
	out, err := New().Call(context.Background(), map[string]any{"resource_type": "Condition"})
	require.NoError(t, err)

	res := out.(Response)
	assert.Equal(t, "mock://fhir", res.URL)
	require.Len(t, res.Entries, 1)
	assert.Contains(t, string(res.Entries[0]), "Type 2 diabetes mellitus")
}

func TestCall_SearchWithBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/Observation", r.URL.Path)
		assert.Equal(t, "p-1", r.URL.Query().Get("patient"))
		assert.Equal(t, "10", r.URL.Query().Get("_count"))
		assert.Equal(t, "4548-4", r.URL.Query().Get("code"))
		_, _ = w.Write([]byte(bundle))
	}))
	defer srv.Close()

	ft := New(func(o *Options) {
		o.BaseURL = srv.URL + "/"
		o.Username = "admin"
		o.Password = "secret"
	})
	out, err := ft.Call(context.Background(), map[string]any{
		"resource_type": "Observation",
		"patient_id":    "p-1",
		"search_params": map[string]any{"code": "4548-4"},
	})
	require.NoError(t, err)

	res := out.(Response)
	assert.Equal(t, int64(2), res.Total)
	require.Len(t, res.Entries, 2)
	assert.JSONEq(t, `{"resourceType":"Observation","id":"o2"}`, string(res.Entries[1]))
}

func TestCall_ReadAndEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Patient/p-1":
			_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p-1"}`))
		case "/Patient/p-1/$everything":
			_, _ = w.Write([]byte(bundle))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ft := New(func(o *Options) { o.BaseURL = srv.URL })

	out, err := ft.Call(context.Background(), map[string]any{"resource_type": "Patient", "patient_id": "p-1", "operation": "read"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.(Response).Total)

	out, err = ft.Call(context.Background(), map[string]any{"resource_type": "Patient", "patient_id": "p-1", "operation": "$everything"})
	require.NoError(t, err)
	assert.Equal(t, "Bundle", out.(Response).ResourceType)
	assert.Len(t, out.(Response).Entries, 2)
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(bundle))
	}))
	defer srv.Close()

	ft := New(func(o *Options) {
		o.BaseURL = srv.URL
		o.RetryInterval = time.Millisecond
	})
	_, err := ft.Call(context.Background(), map[string]any{"resource_type": "Observation"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_ClientErrorIsExecutionFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such resource", http.StatusNotFound)
	}))
	defer srv.Close()

	inv, err := tool.NewInvoker([]tool.Tool{New(func(o *Options) { o.BaseURL = srv.URL })})
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Name, map[string]any{"resource_type": "Patient", "patient_id": "x", "operation": "read"})
	assert.ErrorIs(t, err, core.ErrToolExecution)
	assert.ErrorContains(t, err, "HTTP 404")
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestInvoke_RejectsUnknownResourceType(t *testing.T) {
	inv, err := tool.NewInvoker([]tool.Tool{New()})
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Name, map[string]any{"resource_type": "Spaceship"})
	assert.ErrorIs(t, err, core.ErrInvalidArgs)
}
