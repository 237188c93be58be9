package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/app"
	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/handlers"
)

const testCatalog = `
tenants:
  - id: acme
    name: Acme Corp
    quota_limit: 2
  - id: globex
    name: Globex
    quota_limit: -1
bots:
  - id: support
    tenant_id: acme
    name: Support
    persona: You are the Acme support assistant.
  - id: support
    tenant_id: globex
    name: Globex Support
knowledge_bases:
  - id: kb-handbook
    tenant_id: acme
    bot_id: support
    name: Employee handbook
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	for _, name := range []string{
		"KBCHAT_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"KBCHAT_CLAUDE_API_KEY", "ANTHROPIC_API_KEY",
		"KBCHAT_OPENAI_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(name, "")
	}

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))

	cfg := common.NewDefaultConfig()
	cfg.Environment = "test"
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Catalog.Path = catalogPath
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 64
	cfg.Scheduler.Enabled = true
	require.NoError(t, cfg.Finalize())

	application, err := app.New(context.Background(), cfg, arbor.NewLogger())
	require.NoError(t, err)

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(func() {
		ts.Close()
		application.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, tenant string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(handlers.HeaderTenantID, tenant)
		req.Header.Set(handlers.HeaderUserID, "user-1")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func handbook() string {
	return strings.Repeat("Employees accrue twenty days of paid leave each year. ", 12) +
		strings.Repeat("Expense claims are submitted through the finance portal within thirty days. ", 8)
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, true, body["mock"])
	assert.NotEmpty(t, resp.Header.Get(HeaderCorrelationID))

	resp, body = do(t, ts, http.MethodGet, "/api/version", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, common.GetVersion(), body["version"])
}

func TestMissingTenantHeader(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/chat", "", map[string]string{
		"message": "hello",
		"botId":   "support",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TenantNotFound", body["kind"])
}

func TestChatValidationError(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/chat", "acme", map[string]string{
		"botId": "support",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidArgument", body["kind"])
}

func TestUnknownTenantAndBot(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/chat", "initech", map[string]string{
		"message": "hello",
		"botId":   "support",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TenantNotFound", body["kind"])

	resp, body = do(t, ts, http.MethodPost, "/api/chat", "acme", map[string]string{
		"message": "hello",
		"botId":   "sales",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "BotNotFound", body["kind"])
}

func TestIngestChatAndQuotaFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, doc := do(t, ts, http.MethodPost, "/api/knowledge-bases/kb-handbook/documents", "acme", map[string]string{
		"title":   "Handbook",
		"type":    "text",
		"content": handbook(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACTIVE", doc["status"])
	assert.Greater(t, doc["chunkCount"].(float64), float64(0))

	resp, search := do(t, ts, http.MethodPost, "/api/knowledge-bases/kb-handbook/search", "acme", map[string]interface{}{
		"query": "paid leave",
		"k":     2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), search["count"])

	// First turn opens a conversation and reports quota headers
	resp, turn := do(t, ts, http.MethodPost, "/api/chat", "acme", map[string]string{
		"message": "How much paid leave do I get?",
		"botId":   "support",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(handlers.HeaderRateLimitLimit))
	assert.NotEmpty(t, resp.Header.Get(handlers.HeaderRateLimitRemaining))
	assert.NotEmpty(t, resp.Header.Get(handlers.HeaderRateLimitReset))
	conversationID, _ := turn["conversationId"].(string)
	require.NotEmpty(t, conversationID)
	assert.NotEmpty(t, turn["sources"])

	resp, _ = do(t, ts, http.MethodPost, "/api/chat", "acme", map[string]string{
		"message":        "And expense claims?",
		"botId":          "support",
		"conversationId": conversationID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Limit of two is now used up
	resp, denied := do(t, ts, http.MethodPost, "/api/chat", "acme", map[string]string{
		"message":        "One more?",
		"botId":          "support",
		"conversationId": conversationID,
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "QuotaExceeded", denied["kind"])
	assert.NotEmpty(t, resp.Header.Get(handlers.HeaderRetryAfter))
	assert.Equal(t, "0", resp.Header.Get(handlers.HeaderRateLimitRemaining))

	resp, view := do(t, ts, http.MethodGet, "/api/chat?conversationId="+conversationID, "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages, _ := view["messages"].([]interface{})
	assert.Len(t, messages, 4)

	// Conversations are invisible to other tenants
	resp, _ = do(t, ts, http.MethodGet, "/api/chat?conversationId="+conversationID, "globex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, quota := do(t, ts, http.MethodGet, "/api/quota", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), quota["current_usage"])

	resp, usage := do(t, ts, http.MethodGet, "/api/quota/usage?limit=10", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), usage["count"])
}

func TestUnlimitedTenantHasNoRateLimitHeaders(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/api/chat", "globex", map[string]string{
		"message": "hello",
		"botId":   "support",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(handlers.HeaderRateLimitLimit))
	assert.Empty(t, resp.Header.Get(handlers.HeaderRateLimitRemaining))
}

func TestCloseConversation(t *testing.T) {
	ts := newTestServer(t)

	resp, turn := do(t, ts, http.MethodPost, "/api/chat", "globex", map[string]string{
		"message": "hello",
		"botId":   "support",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conversationID := turn["conversationId"].(string)

	resp, body := do(t, ts, http.MethodPost, "/api/conversations/"+conversationID+"/close", "globex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])

	resp, body = do(t, ts, http.MethodPost, "/api/chat", "globex", map[string]string{
		"message":        "still there?",
		"botId":          "support",
		"conversationId": conversationID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidArgument", body["kind"])
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, kb := do(t, ts, http.MethodPost, "/api/knowledge-bases", "globex", map[string]interface{}{
		"name":  "FAQ",
		"botId": "support",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	kbID := kb["id"].(string)
	require.NotEmpty(t, kbID)

	resp, _ = do(t, ts, http.MethodGet, "/api/knowledge-bases/"+kbID, "globex", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/api/knowledge-bases/"+kbID, "acme", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, doc := do(t, ts, http.MethodPost, "/api/knowledge-bases/"+kbID+"/documents", "globex", map[string]string{
		"title":   "Returns",
		"type":    "markdown",
		"content": "# Returns\n\nItems may be returned within 30 days with a receipt.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	docID := doc["id"].(string)

	resp, list := do(t, ts, http.MethodGet, "/api/knowledge-bases/"+kbID+"/documents", "globex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])

	resp, reindex := do(t, ts, http.MethodPost, "/api/knowledge-bases/"+kbID+"/reindex", "globex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reindexed", reindex["status"])

	// Deleting through the wrong knowledge base is not found
	resp, _ = do(t, ts, http.MethodDelete, "/api/knowledge-bases/kb-other/documents/"+docID, "globex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, deleted := do(t, ts, http.MethodDelete, "/api/knowledge-bases/"+kbID+"/documents/"+docID, "globex", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", deleted["status"])

	resp, search := do(t, ts, http.MethodPost, "/api/knowledge-bases/"+kbID+"/search", "globex", map[string]interface{}{
		"query": "returns",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), search["count"])
}

func TestMaintenanceJobs(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/api/maintenance/jobs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])
	jobs, _ := body["jobs"].([]interface{})
	assert.Len(t, jobs, 2)

	resp, body = do(t, ts, http.MethodPost, "/api/maintenance/jobs/reclaim_chunks/run", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, _ = do(t, ts, http.MethodPost, "/api/maintenance/jobs/compact/run", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/chat", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), handlers.HeaderTenantID)
}
