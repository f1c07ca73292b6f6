package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"labelcheck-assistant/internal/core"
	"labelcheck-assistant/internal/db"
	"labelcheck-assistant/pkg"
)

type stubBackend struct {
	mu          sync.Mutex
	attachments []*pkg.Attachment
	hold        chan struct{}
}

func (b *stubBackend) Process(ctx context.Context, state pkg.ProcessState, att *pkg.Attachment) (*pkg.AgentPayload, error) {
	b.mu.Lock()
	b.attachments = append(b.attachments, att)
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	verdict, plan := "SAFE", "Read label. Compare profile."
	return &pkg.AgentPayload{
		Verdict: &verdict,
		Plan:    &plan,
		Profile: &pkg.Profile{Allergies: []string{"soy"}},
	}, nil
}

var fastReveal = core.RevealConfig{
	Step:         time.Millisecond,
	MinDelay:     5 * time.Millisecond,
	MaxDelay:     20 * time.Millisecond,
	MaxSteps:     5,
	DefaultSteps: 3,
}

func newTestServer(t *testing.T, b core.Backend, maxSessions int) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv, err := NewServer(func(id string, onUpdate func(string)) *core.Session {
		return core.NewSession(core.Options{ID: id, Backend: b, Reveal: fastReveal, OnUpdate: onUpdate, Logger: logger})
	}, maxSessions, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])
	return resp["session_id"]
}

func getView(t *testing.T, h http.Handler, id string) pkg.SessionView {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/api/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view pkg.SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestPostTurnJSONAndReveal(t *testing.T) {
	b := &stubBackend{hold: make(chan struct{})}
	srv := newTestServer(t, b, 8)
	id := createSession(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{"text":"Is X safe?"}`), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ids map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.NotEmpty(t, ids["user_turn_id"])
	assert.NotEmpty(t, ids["agent_turn_id"])

	rec = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{"text":"again"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	view := getView(t, srv, id)
	assert.True(t, view.Processing)
	require.Len(t, view.Turns, 2)
	assert.Equal(t, "Is X safe?", view.Turns[0].Content)
	assert.Equal(t, pkg.PhaseThinking, view.Turns[1].Phase)

	close(b.hold)
	require.Eventually(t, func() bool {
		v := getView(t, srv, id)
		return v.Turns[1].Phase == pkg.PhaseResults
	}, 2*time.Second, 5*time.Millisecond)

	view = getView(t, srv, id)
	assert.False(t, view.Processing)
	assert.Equal(t, "SAFE", *view.Turns[1].Payload.Verdict)
	assert.Equal(t, []string{"Read label.", "Compare profile."}, view.Turns[1].PlanSteps)
	assert.Equal(t, 1, view.ProfileFlags)

	rec = do(t, srv, http.MethodGet, "/api/sessions/"+id+"/profile", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allergies":["soy"],"conditions":[],"goals":[],"flags":1}`, rec.Body.String())
}

func TestPostTurnMultipartWithImage(t *testing.T) {
	b := &stubBackend{}
	srv := newTestServer(t, b, 8)
	id := createSession(t, srv)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("text", "what about this one?"))
	part, err := w.CreateFormFile("file", "label.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n rest of image"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", &body, w.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return !getView(t, srv, id).Processing }, 2*time.Second, 5*time.Millisecond)
	b.mu.Lock()
	require.Len(t, b.attachments, 1)
	att := b.attachments[0]
	b.mu.Unlock()
	require.NotNil(t, att)
	assert.Equal(t, "label.png", att.Filename)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n rest of image"), att.Data)

	view := getView(t, srv, id)
	require.NotNil(t, view.Turns[1].Payload.ImageData)
	assert.True(t, strings.HasPrefix(*view.Turns[1].Payload.ImageData, "data:"))
}

func TestPostTurnErrors(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, 8)
	id := createSession(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{"text":"  "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sessions/nope/turns", bytes.NewBufferString(`{"text":"q"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/sessions/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	b := &stubBackend{hold: make(chan struct{})}
	srv := newTestServer(t, b, 8)
	id := createSession(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{"text":"q"}`), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, srv, http.MethodGet, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionsAreEvicted(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, 1)
	first := createSession(t, srv)
	second := createSession(t, srv)

	rec := do(t, srv, http.MethodGet, "/api/sessions/"+first, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	getView(t, srv, second)
}

func TestPostTurnRejectsOversizeImage(t *testing.T) {
	b := &stubBackend{}
	srv := newTestServer(t, b, 8)
	srv.MaxUpload = 16
	id := createSession(t, srv)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("text", "is this ok?"))
	part, err := w.CreateFormFile("file", "label.png")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{0xAB}, 100))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", &body, w.FormDataContentType())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	view := getView(t, srv, id)
	assert.Empty(t, view.Turns)
	b.mu.Lock()
	assert.Empty(t, b.attachments)
	b.mu.Unlock()
}

type stubExchanges struct {
	got []string
	out []db.Exchange
	err error
}

func (s *stubExchanges) ListExchanges(_ context.Context, sessionID string) ([]db.Exchange, error) {
	s.got = append(s.got, sessionID)
	return s.out, s.err
}

func TestListExchanges(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, 8)

	rec := do(t, srv, http.MethodGet, "/api/sessions/s1/exchanges", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "archive disabled")

	asked := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ex := db.Exchange{
		ID:          uuid.MustParse("0190b8a2-0000-7000-8000-000000000001"),
		SessionID:   "s1",
		UserTurnID:  "u1",
		AgentTurnID: "a1",
		Query:       "Is this safe?",
		HasImage:    true,
		Payload:     json.RawMessage(`{"final_verdict":"SAFE"}`),
		AskedAt:     asked,
	}
	ex.Verdict.String, ex.Verdict.Valid = "SAFE", true
	lister := &stubExchanges{out: []db.Exchange{ex}}
	srv.Exchanges = lister

	rec = do(t, srv, http.MethodGet, "/api/sessions/s1/exchanges", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"s1"}, lister.got)
	assert.JSONEq(t, `[{
		"id":"0190b8a2-0000-7000-8000-000000000001",
		"user_turn_id":"u1","agent_turn_id":"a1","query":"Is this safe?","has_image":true,
		"verdict":"SAFE","agent_payload":{"final_verdict":"SAFE"},"failed":false,
		"asked_at":"2024-05-01T12:00:00Z"}]`, rec.Body.String())

	lister.err = errors.New("connection refused")
	rec = do(t, srv, http.MethodGet, "/api/sessions/s1/exchanges", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// readEvent returns the data line of the next "view" event on the stream.
func readEvent(t *testing.T, r *bufio.Reader) (pkg.SessionView, error) {
	t.Helper()
	var view pkg.SessionView
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return view, err
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(data), &view))
			return view, nil
		}
	}
}

func TestEventStreamPushesChanges(t *testing.T) {
	b := &stubBackend{hold: make(chan struct{})}
	srv := newTestServer(t, b, 8)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	id := createSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	stream := bufio.NewReader(resp.Body)

	view, err := readEvent(t, stream)
	require.NoError(t, err)
	assert.Empty(t, view.Turns)

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/turns", bytes.NewBufferString(`{"text":"Is X safe?"}`), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	view, err = readEvent(t, stream)
	require.NoError(t, err)
	require.Len(t, view.Turns, 2)
	assert.True(t, view.Processing)

	close(b.hold)
	for view.Turns[1].Phase != pkg.PhaseResults {
		view, err = readEvent(t, stream)
		require.NoError(t, err)
	}
	assert.Equal(t, "SAFE", *view.Turns[1].Payload.Verdict)

	rec = do(t, srv, http.MethodDelete, "/api/sessions/"+id, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	for err == nil {
		_, err = readEvent(t, stream)
	}
	assert.Equal(t, io.EOF, err, "stream ends when the session is deleted")
}
