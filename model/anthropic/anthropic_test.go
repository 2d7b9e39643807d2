package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/model"
)

func TestBuildMessagesAndSystem(t *testing.T) {
	req := model.Request{
		Instructions: "you are a router",
		Contents: []core.Content{
			core.NewTextContent("system", "extra rules"),
			core.NewTextContent("user", "hi"),
			core.NewTextContent("assistant", "hello"),
		},
	}
	assert.Len(t, buildMessages(req.Contents), 2)
	blocks := systemBlocks(req)
	require.Len(t, blocks, 2)
	assert.Equal(t, "you are a router", blocks[0].Text)
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "triage complete"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.BaseURL = srv.URL
		o.APIKey = "test"
	})
	text, err := model.Complete(context.Background(), m, model.Request{
		Instructions: "sys",
		Contents:     []core.Content{core.NewTextContent("user", "q")},
	})
	require.NoError(t, err)
	assert.Equal(t, "triage complete", text)
	assert.NotEmpty(t, got["system"])
	assert.Equal(t, "anthropic", m.Info().Provider)
}
