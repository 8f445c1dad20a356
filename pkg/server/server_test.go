package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/engine"
	"github.com/go-go-golems/docassist/pkg/ingest"
	"github.com/go-go-golems/docassist/pkg/llm"
	"github.com/go-go-golems/docassist/pkg/session"
	"github.com/go-go-golems/docassist/pkg/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCompleter struct {
	err error
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Completion{Content: "answer to " + req.Messages[len(req.Messages)-1].Content}, nil
}

func newTestServer(t *testing.T, apiKey string, completer llm.Completer) (*Server, archive.Store) {
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assembler, err := engine.NewAssembler(settings.DefaultPreamble)
	require.NoError(t, err)
	eng := engine.New(assembler, completer, engine.WithStore(store))
	h := session.NewHandler(
		session.NewState(settings.DefaultModel, apiKey, false),
		eng,
		ingest.NewIngester(ingest.WithTempDir(t.TempDir())),
		session.WithStore(store),
		session.WithModels(settings.DefaultModels()),
	)
	return New(h), store
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) outcomeView {
	var v outcomeView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPostMessage(t *testing.T) {
	s, store := newTestServer(t, "sk", &stubCompleter{})

	w := do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decodeOutcome(t, w)
	require.NotNil(t, v.Reply)
	assert.Equal(t, "answer to hi", v.Reply.Content)
	require.Len(t, v.Session.Turns, 2)
	assert.NotNil(t, v.Session.LastSavedAt)

	_, err := store.Load(context.Background(), v.Session.ID)
	require.NoError(t, err)
}

func TestPostMessageErrors(t *testing.T) {
	s, _ := newTestServer(t, "", &stubCompleter{})
	w := do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)
	assert.Empty(t, decodeOutcome(t, w).Session.Turns)

	upstream := &stubCompleter{err: &llm.UpstreamError{StatusCode: http.StatusUnauthorized, Message: "Invalid API key"}}
	s, _ = newTestServer(t, "bad", upstream)
	w = do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	v := decodeOutcome(t, w)
	assert.Nil(t, v.Reply)
	require.Len(t, v.Session.Turns, 1)
	assert.Equal(t, "hi", v.Session.Turns[0].Content)
	assert.Contains(t, v.Error, "401")

	w = do(t, s, http.MethodPost, "/api/session/messages", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionSettings(t *testing.T) {
	s, _ := newTestServer(t, "", &stubCompleter{})

	w := do(t, s, http.MethodPut, "/api/session/credential", credentialRequest{APIKey: "sk"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeOutcome(t, w).Session.HasCredential)

	w = do(t, s, http.MethodPut, "/api/session/model", modelRequest{Model: "GPT-4 Turbo"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4-turbo", decodeOutcome(t, w).Session.Model)

	w = do(t, s, http.MethodPut, "/api/session/web-search", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeOutcome(t, w).Session.WebSearch)

	w = do(t, s, http.MethodPut, "/api/session/web-search", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, "/api/session/title", titleRequest{Title: "Report"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Report", decodeOutcome(t, w).Session.Title)

	w = do(t, s, http.MethodPut, "/api/session/title", titleRequest{Title: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view sessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Report", view.Title)
	assert.Equal(t, settings.DefaultModel, view.DefaultModel)
}

func upload(t *testing.T, s *Server, files map[string]string, order []string) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range order {
		fw, err := mw.CreateFormFile(uploadField, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/session/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestDocumentsLifecycle(t *testing.T) {
	s, _ := newTestServer(t, "sk", &stubCompleter{})

	w := upload(t, s, map[string]string{"a.txt": "alpha", "b.pdf": "garbage", "c.txt": "gamma"}, []string{"a.txt", "b.pdf", "c.txt"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decodeOutcome(t, w)
	expected := ingest.DocumentHeader("a.txt") + "alpha" + ingest.DocumentHeader("c.txt") + "gamma"
	assert.Equal(t, len([]rune(expected)), v.Session.ContextChars)
	require.Len(t, v.Effects, 3)
	assert.True(t, v.Effects[1].Failed)

	w = do(t, s, http.MethodGet, "/api/session/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v = decodeOutcome(t, w)
	require.NotNil(t, v.Preview)
	assert.Equal(t, expected, *v.Preview)

	w = do(t, s, http.MethodDelete, "/api/session/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decodeOutcome(t, w).Session.ContextChars)

	w = upload(t, s, map[string]string{"x.exe": "MZ"}, []string{"x.exe"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = upload(t, s, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchiveRoutes(t *testing.T) {
	s, _ := newTestServer(t, "sk", &stubCompleter{})

	first := decodeOutcome(t, do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "one"}))
	w := do(t, s, http.MethodPost, "/api/session/new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, first.Session.ID, decodeOutcome(t, w).Session.ID)

	w = do(t, s, http.MethodGet, "/api/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeOutcome(t, w)
	require.Len(t, v.Archive, 1)
	assert.Equal(t, first.Session.ID, v.Archive[0].ID)

	w = do(t, s, http.MethodPost, "/api/archive/"+first.Session.ID+"/load", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.Session.Turns, decodeOutcome(t, w).Session.Turns)

	w = do(t, s, http.MethodPost, "/api/archive/unknown/load", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, first.Session.ID, decodeOutcome(t, w).Session.ID)
}

func TestExport(t *testing.T) {
	s, _ := newTestServer(t, "sk", &stubCompleter{})
	do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "ping"})

	w := do(t, s, http.MethodGet, "/api/session/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "chat_")
	var turns []map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0]["role"])

	w = do(t, s, http.MethodGet, "/api/session/export?format=markdown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, w.Body.String(), "answer to ping")

	w = do(t, s, http.MethodGet, "/api/session/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, "sk", &stubCompleter{})

	w := do(t, s, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var models struct {
		Models []settings.ModelOption `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	assert.Equal(t, settings.DefaultModels(), models.Models)

	do(t, s, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `docassist_commands_total{command="submit",result="ok"} 1`)
	assert.Contains(t, w.Body.String(), `docassist_effects_total{failed="false",kind="completion"} 1`)
}
