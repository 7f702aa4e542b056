// ABOUTME: REST API tests against a real SQLite store and relay handler.
// ABOUTME: Covers conversation CRUD, history rendering, member sends and secret lifecycle.

package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlabs-dev/relay/internal/auth"
	"github.com/agentlabs-dev/relay/internal/relay"
	"github.com/agentlabs-dev/relay/internal/store"
)

type apiFixture struct {
	srv   *httptest.Server
	store *store.SQLiteStore
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	secrets := auth.NewSecretManager(st, nil)
	handler := relay.NewHandler(relay.Params{
		Conversations: st,
		Messages:      st,
		Agents:        st,
		Members:       st,
		Credentials:   secrets,
		Tokens:        auth.NewJWTVerifier([]byte("test-secret")),
	})

	mux := http.NewServeMux()
	NewServer(st, handler, secrets, nil).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: st}
}

func (f *apiFixture) seed(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, f.store.CreateProject(ctx, &store.Project{ID: "proj-1", Name: "demo"}))
	require.NoError(t, f.store.CreateAgent(ctx, &store.Agent{ID: "agent-1", ProjectID: "proj-1", Name: "support"}))
	require.NoError(t, f.store.CreateMember(ctx, &store.Member{ID: "member-1", ProjectID: "proj-1", Email: "m@example.com"}))
	require.NoError(t, f.store.CreateConversation(ctx, &store.Conversation{ID: "conv-1", AgentID: "agent-1", MemberID: "member-1"}))
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	f := setupAPI(t)
	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndListConversations(t *testing.T) {
	f := setupAPI(t)
	f.seed(t)

	resp, created := f.post(t, "/api/conversations", map[string]string{
		"agentId":  "agent-1",
		"memberId": "member-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, created["id"])
	assert.Equal(t, "agent-1", created["agentId"])
	assert.Equal(t, false, created["agentOnline"], "no live socket in this test")

	resp, body := f.get(t, "/api/conversations?memberId=member-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := body["conversations"].([]any)
	assert.Len(t, convs, 2)

	t.Run("unknown member rejected", func(t *testing.T) {
		resp, _ := f.post(t, "/api/conversations", map[string]string{
			"agentId":  "agent-1",
			"memberId": "ghost",
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		resp, _ := f.post(t, "/api/conversations", map[string]string{"agentId": "agent-1"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListMessages_RendersMarkdown(t *testing.T) {
	f := setupAPI(t)
	f.seed(t)
	ctx := t.Context()

	_, err := f.store.CreateMessage(ctx, &store.NewMessage{
		ConversationID: "conv-1",
		Text:           "plain hello",
		Source:         store.SourceMember,
		Format:         store.FormatPlainText,
	})
	require.NoError(t, err)
	_, err = f.store.CreateMessage(ctx, &store.NewMessage{
		ConversationID: "conv-1",
		Text:           "# Heading\n\nsome **bold** text",
		Source:         store.SourceAgent,
		Format:         store.FormatMarkdown,
	})
	require.NoError(t, err)

	resp, body := f.get(t, "/api/conversations/conv-1/messages?render=html")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)

	byFormat := map[string]map[string]any{}
	for _, raw := range messages {
		msg := raw.(map[string]any)
		byFormat[msg["format"].(string)] = msg
	}

	plain := byFormat[store.FormatPlainText]
	require.NotNil(t, plain)
	assert.Equal(t, "plain hello", plain["text"])
	assert.Nil(t, plain["html"], "plain text is never rendered")

	rendered := byFormat[store.FormatMarkdown]
	require.NotNil(t, rendered)
	html := rendered["html"].(string)
	assert.Contains(t, html, "<h1>Heading</h1>")
	assert.Contains(t, html, "<strong>bold</strong>")

	t.Run("without render flag html is omitted", func(t *testing.T) {
		_, body := f.get(t, "/api/conversations/conv-1/messages")
		for _, raw := range body["messages"].([]any) {
			assert.Nil(t, raw.(map[string]any)["html"])
		}
	})

	t.Run("unknown conversation is 404", func(t *testing.T) {
		resp, _ := f.get(t, "/api/conversations/nope/messages")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad limit is 400", func(t *testing.T) {
		resp, _ := f.get(t, "/api/conversations/conv-1/messages?limit=zero")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSendMessage_PersistsEvenWithAgentOffline(t *testing.T) {
	f := setupAPI(t)
	f.seed(t)

	resp, body := f.post(t, "/api/conversations/conv-1/messages", map[string]string{
		"text": "hello agent",
	})
	// No live agent socket: accepted for later pickup, not delivered.
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	errInfo := body["error"].(map[string]any)
	assert.Equal(t, relay.CodeAgentConnectionNotFound, errInfo["code"])

	messages, err := f.store.ListConversationMessages(t.Context(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello agent", messages[0].Text)
	assert.Equal(t, store.SourceMember, messages[0].Source)

	t.Run("unknown conversation is 404", func(t *testing.T) {
		resp, _ := f.post(t, "/api/conversations/nope/messages", map[string]string{"text": "hi"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty text is 400", func(t *testing.T) {
		resp, _ := f.post(t, "/api/conversations/conv-1/messages", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSecretLifecycle(t *testing.T) {
	f := setupAPI(t)
	f.seed(t)

	resp, created := f.post(t, "/api/projects/proj-1/secrets", map[string]string{
		"description": "ci key",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secretID := created["id"].(string)
	plaintext := created["secret"].(string)
	assert.NotEmpty(t, plaintext)

	resp, body := f.get(t, "/api/projects/proj-1/secrets")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secrets := body["secrets"].([]any)
	require.Len(t, secrets, 1)
	listed := secrets[0].(map[string]any)
	assert.Equal(t, "ci key", listed["description"])
	assert.NotContains(t, fmt.Sprint(listed), plaintext, "plaintext is shown once at creation only")

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/secrets/"+secretID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	_, body = f.get(t, "/api/projects/proj-1/secrets")
	revoked := body["secrets"].([]any)[0].(map[string]any)
	assert.NotNil(t, revoked["revokedAt"])

	t.Run("unknown project is 404", func(t *testing.T) {
		resp, _ := f.post(t, "/api/projects/ghost/secrets", map[string]string{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("revoking unknown secret is 404", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/secrets/ghost", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
