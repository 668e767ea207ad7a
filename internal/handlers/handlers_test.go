package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/preview"
	"github.com/example/snapclassify/internal/session"
	"github.com/example/snapclassify/internal/upload"
)

const testJWTSecret = "test-secret"

type snapshotBody struct {
	SessionID    string `json:"session_id"`
	Phase        string `json:"phase"`
	IsDragging   bool   `json:"is_dragging"`
	IsProcessing bool   `json:"is_processing"`
	Error        string `json:"error"`
	ImagePreview string `json:"image_preview"`
	PreviewURL   string `json:"preview_url"`
	Result       *struct {
		Label        string `json:"label"`
		Confidence   int    `json:"confidence"`
		ImagePreview string `json:"image_preview"`
	} `json:"result"`
}

type recordingProvider struct {
	mu    sync.Mutex
	names []string
}

func (p *recordingProvider) Classify(_ context.Context, file upload.File) (*classifier.Prediction, error) {
	p.mu.Lock()
	p.names = append(p.names, file.Name)
	p.mu.Unlock()
	return &classifier.Prediction{Label: "cat", Confidence: 94}, nil
}

type testServer struct {
	router   *gin.Engine
	sessions *session.Manager
	previews *preview.Store
}

func newTestServer(t *testing.T, provider classifier.Provider, maxRequestBytes int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	previews := preview.NewStore(preview.NewMemoryBackend(), zap.NewNop())
	sessions := session.NewManager(provider, previews, zap.NewNop())
	t.Cleanup(func() { _ = sessions.Shutdown(context.Background()) })

	router := gin.New()
	h := NewHandler(sessions, previews, zap.NewNop(), maxRequestBytes)
	RegisterRoutes(router, h, auth.NewVerifier(testJWTSecret, "").Middleware())
	return &testServer{router: router, sessions: sessions, previews: previews}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+buildTestToken(t, user))
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func (ts *testServer) createSession(t *testing.T, user string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/sessions", user, nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	snap := decodeSnapshot(t, resp)
	if snap.SessionID == "" || snap.Phase != "idle" {
		t.Fatalf("unexpected new session %+v", snap)
	}
	return snap.SessionID
}

func (ts *testServer) upload(t *testing.T, id, user string, parts ...filePart) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildMultipartBody(t, parts...)
	return ts.do(t, http.MethodPost, "/sessions/"+id+"/files", user, body, contentType)
}

func (ts *testServer) wait(t *testing.T, id, user string) {
	t.Helper()
	s, err := ts.sessions.Get(id, user)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	s.Wait()
}

func decodeSnapshot(t *testing.T, resp *httptest.ResponseRecorder) snapshotBody {
	t.Helper()
	var snap snapshotBody
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot %q: %v", resp.Body.String(), err)
	}
	return snap
}

func TestUploadClassifyAndReset(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	resp := ts.upload(t, id, "user-1", filePart{name: "cat.png", contentType: "image/png", data: []byte("png-bytes")})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	snap := decodeSnapshot(t, resp)
	if !snap.IsProcessing || snap.ImagePreview == "" || snap.PreviewURL != "/previews/"+snap.ImagePreview {
		t.Fatalf("unexpected processing snapshot %+v", snap)
	}

	ts.wait(t, id, "user-1")
	done := decodeSnapshot(t, ts.do(t, http.MethodGet, "/sessions/"+id, "user-1", nil, ""))
	if done.Phase != "done" || done.Result == nil || done.Result.Label != "cat" || done.Result.Confidence != 94 {
		t.Fatalf("unexpected done snapshot %+v", done)
	}

	img := ts.do(t, http.MethodGet, done.PreviewURL, "", nil, "")
	if img.Code != http.StatusOK || img.Body.String() != "png-bytes" || img.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected preview response %d %q %q", img.Code, img.Body.String(), img.Header().Get("Content-Type"))
	}

	reset := decodeSnapshot(t, ts.do(t, http.MethodPost, "/sessions/"+id+"/reset", "user-1", nil, ""))
	if reset.Phase != "idle" || reset.ImagePreview != "" || reset.Result != nil {
		t.Fatalf("unexpected reset snapshot %+v", reset)
	}
	if gone := ts.do(t, http.MethodGet, done.PreviewURL, "", nil, ""); gone.Code != http.StatusNotFound {
		t.Fatalf("expected released preview to be gone, got %d", gone.Code)
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	resp := ts.upload(t, id, "user-1", filePart{name: "notes.txt", contentType: "text/plain", data: []byte("hello")})
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	snap := decodeSnapshot(t, resp)
	if snap.Error != upload.ErrUnsupportedType.Message || snap.ImagePreview != "" || snap.IsProcessing {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if ts.previews.Live() != 0 {
		t.Fatalf("expected no preview, got %d", ts.previews.Live())
	}
}

func TestUploadRejectsOversizedImage(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	resp := ts.upload(t, id, "user-1", filePart{name: "big.jpg", contentType: "image/jpeg", data: bytes.Repeat([]byte("a"), upload.MaxFileSize+1)})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if snap := decodeSnapshot(t, resp); snap.Error != upload.ErrTooLarge.Message {
		t.Fatalf("unexpected error %q", snap.Error)
	}
}

func TestUploadRejectsOversizedRequestBody(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 1024)
	id := ts.createSession(t, "user-1")

	resp := ts.upload(t, id, "user-1", filePart{name: "a.png", contentType: "image/png", data: bytes.Repeat([]byte("a"), 4096)})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadUsesFirstFileOnly(t *testing.T) {
	provider := &recordingProvider{}
	ts := newTestServer(t, provider, 0)
	id := ts.createSession(t, "user-1")

	resp := ts.upload(t, id, "user-1",
		filePart{name: "first.png", contentType: "image/png", data: []byte("1")},
		filePart{name: "second.png", contentType: "image/png", data: []byte("2")},
	)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	ts.wait(t, id, "user-1")

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.names) != 1 || provider.names[0] != "first.png" {
		t.Fatalf("expected only first file classified, got %v", provider.names)
	}
	if ts.previews.Live() != 1 {
		t.Fatalf("expected one live preview, got %d", ts.previews.Live())
	}
}

func TestUploadRequiresImageField(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("note", "no file")
	_ = writer.Close()

	resp := ts.do(t, http.MethodPost, "/sessions/"+id+"/files", "user-1", body, writer.FormDataContentType())
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestDraggingAndDismissError(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	resp := ts.do(t, http.MethodPut, "/sessions/"+id+"/dragging", "user-1", strings.NewReader(`{"dragging":true}`), "application/json")
	if resp.Code != http.StatusOK || !decodeSnapshot(t, resp).IsDragging {
		t.Fatalf("expected dragging snapshot, got %d %s", resp.Code, resp.Body.String())
	}

	bad := ts.do(t, http.MethodPut, "/sessions/"+id+"/dragging", "user-1", strings.NewReader(`{}`), "application/json")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", bad.Code)
	}

	ts.upload(t, id, "user-1", filePart{name: "a.gif", contentType: "image/gif", data: []byte("gif")})
	for i := 0; i < 2; i++ {
		snap := decodeSnapshot(t, ts.do(t, http.MethodDelete, "/sessions/"+id+"/error", "user-1", nil, ""))
		if snap.Error != "" || !snap.IsDragging {
			t.Fatalf("dismiss %d: unexpected snapshot %+v", i, snap)
		}
	}
}

func TestClearImageReleasesPreview(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	ts.upload(t, id, "user-1", filePart{name: "a.png", contentType: "image/png", data: []byte("png")})
	ts.wait(t, id, "user-1")

	snap := decodeSnapshot(t, ts.do(t, http.MethodDelete, "/sessions/"+id+"/image", "user-1", nil, ""))
	if snap.Phase != "idle" || snap.ImagePreview != "" || ts.previews.Live() != 0 {
		t.Fatalf("unexpected snapshot %+v live=%d", snap, ts.previews.Live())
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	if resp := ts.do(t, http.MethodGet, "/sessions/"+id, "user-2", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", resp.Code)
	}
	if resp := ts.do(t, http.MethodDelete, "/sessions/"+id, "user-2", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting other owner's session, got %d", resp.Code)
	}
	if resp := ts.do(t, http.MethodDelete, "/sessions/"+id, "user-1", nil, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := ts.do(t, http.MethodGet, "/sessions/"+id, "user-1", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected deleted session to be gone, got %d", resp.Code)
	}
}

func TestSessionRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	if resp := ts.do(t, http.MethodPost, "/sessions", "", nil, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := ts.do(t, http.MethodGet, "/health", "", nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected health to be public, got %d", resp.Code)
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	ts := newTestServer(t, &recordingProvider{}, 0)
	id := ts.createSession(t, "user-1")

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+id+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan snapshotBody, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var snap snapshotBody
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &snap); err == nil {
				events <- snap
			}
		}
		close(events)
	}()

	next := func() snapshotBody {
		select {
		case snap, ok := <-events:
			if !ok {
				t.Fatal("event stream ended")
			}
			return snap
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return snapshotBody{}
	}

	if first := next(); first.SessionID != id || first.Phase != "idle" {
		t.Fatalf("unexpected initial event %+v", first)
	}

	ts.do(t, http.MethodPut, "/sessions/"+id+"/dragging", "user-1", strings.NewReader(`{"dragging":true}`), "application/json")
	if snap := next(); !snap.IsDragging {
		t.Fatalf("expected dragging event, got %+v", snap)
	}
}

type filePart struct {
	name        string
	contentType string
	data        []byte
}

func buildMultipartBody(t *testing.T, parts ...filePart) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+ImageField+`"; filename="`+p.name+`"`)
		header.Set("Content-Type", p.contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(p.data); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
