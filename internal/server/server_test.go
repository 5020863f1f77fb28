package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebroker/filebroker/internal/broker"
	"github.com/filebroker/filebroker/internal/config"
	"github.com/filebroker/filebroker/internal/hub"
	"github.com/filebroker/filebroker/internal/store"
	"github.com/filebroker/filebroker/pkg/api"
	"github.com/filebroker/filebroker/pkg/bytesize"
)

type testEnv struct {
	srv    *httptest.Server
	hub    *hub.Hub
	thumbs *broker.Thumbnailer
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.AuthSecret = "test-secret"
	cfg.ChunkSize = bytesize.Size(1024)
	cfg.MaxObjectSize = bytesize.Size(64 * 1024)

	st, err := store.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	thumbs := broker.NewThumbnailer(st, time.Hour, cfg.Thumbnail.MaxDimension, cfg.Thumbnail.Quality, 2, 16, nil)
	t.Cleanup(thumbs.Close)

	stats := broker.NewStatsTracker(st, time.Hour)
	repo := broker.NewRepository(st, int(cfg.ChunkSize), int64(cfg.MaxObjectSize), time.Hour, thumbs, stats)
	shares := broker.NewShareManager(st, repo)

	h := hub.New()
	t.Cleanup(h.Shutdown)

	srv := httptest.NewServer(NewServer(cfg, st, repo, shares, stats, thumbs, h, nil))
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	return &testEnv{srv: srv, hub: h, thumbs: thumbs}
}

func login(t *testing.T, env *testEnv, userID string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(env.srv.URL+"/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lr api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	require.NotEmpty(t, lr.AccessToken)
	assert.Equal(t, "bearer", lr.TokenType)
	return lr.AccessToken
}

func doRequest(t *testing.T, method, url, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func upload(t *testing.T, env *testEnv, token, filename, contentType string, payload []byte) api.UploadResponse {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	fw, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/upload", token, &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ur api.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ur))
	return ur
}

func TestHealth(t *testing.T) {
	env := setupServer(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadRequiresAuth(t *testing.T) {
	env := setupServer(t)

	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/upload", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/upload", "garbage-token", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	payload := []byte(strings.Repeat("file broker test payload. ", 200)) // multiple chunks
	ur := upload(t, env, token, "notes.txt", "text/plain", payload)
	assert.Equal(t, "notes.txt", ur.Filename)
	assert.Equal(t, int64(len(payload)), ur.Size)
	assert.Equal(t, "uploaded", ur.Status)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID, token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadForbiddenForOtherUser(t *testing.T) {
	env := setupServer(t)
	alice := login(t, env, "alice")
	mallory := login(t, env, "mallory")

	ur := upload(t, env, alice, "secret.txt", "text/plain", []byte("mine"))

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID, mallory, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// The rejected probe must not touch the owner's access counter.
	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID+"/metadata", alice, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info api.ObjectInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, int64(0), info.AccessCount)
}

func TestDownloadMissing(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/no-such-id", token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write(make([]byte, 128*1024))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/upload", token, &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMetadata(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	payload := []byte("metadata test payload")
	ur := upload(t, env, token, "doc.txt", "text/plain", payload)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID+"/metadata", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info api.ObjectInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, ur.FileID, info.ID)
	assert.Equal(t, "doc.txt", info.Filename)
	assert.Equal(t, "alice", info.Owner)
	assert.NotEmpty(t, info.Hash)
	assert.False(t, info.IsShared)
}

func TestDeleteFile(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	ur := upload(t, env, token, "gone.txt", "text/plain", []byte("to delete"))

	resp := doRequest(t, http.MethodDelete, env.srv.URL+"/api/v1/files/"+ur.FileID, token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID, token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting again reports not found.
	resp = doRequest(t, http.MethodDelete, env.srv.URL+"/api/v1/files/"+ur.FileID, token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFiles(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	for i := 0; i < 3; i++ {
		upload(t, env, token, fmt.Sprintf("doc-%d.txt", i), "text/plain", []byte("content"))
	}
	upload(t, env, token, "photo-index.txt", "text/plain", []byte("content"))

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/user/alice?page=1&limit=2", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lr api.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	assert.Equal(t, 4, lr.Total)
	assert.Len(t, lr.Files, 2)
	assert.Equal(t, 1, lr.Page)

	// Filtered listing.
	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/user/alice?search=photo", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	assert.Equal(t, 1, lr.Total)
}

func TestListOtherUserForbidden(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/user/bob", token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	payload := []byte("stats payload")
	ur := upload(t, env, token, "s.txt", "text/plain", payload)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID, token, nil, "")
	_ = resp.Body.Close()

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/stats/user/alice", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr api.StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	assert.Equal(t, int64(1), sr.TotalFiles)
	assert.Equal(t, int64(len(payload)), sr.TotalSize)
	assert.Equal(t, int64(1), sr.UploadsToday)
	assert.Equal(t, int64(1), sr.DownloadsToday)
	assert.NotEmpty(t, sr.LastActivity)

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/stats/user/bob", token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestShareFlow(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	payload := []byte("shared file content")
	ur := upload(t, env, token, "shared.txt", "text/plain", payload)

	shareReq, _ := json.Marshal(api.ShareRequest{ExpiresIn: 3600, Password: "hunter2", DownloadLimit: 2})
	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/"+ur.FileID+"/share", token,
		bytes.NewReader(shareReq), "application/json")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr api.ShareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	require.NotEmpty(t, sr.ShareToken)
	assert.Contains(t, sr.ShareURL, "/share/"+sr.ShareToken)
	assert.NotEmpty(t, sr.ExpiresAt)

	// Anonymous download needs the password.
	resp, err := http.Get(env.srv.URL + "/share/" + sr.ShareToken)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp, err = http.Get(env.srv.URL + "/share/" + sr.ShareToken + "?password=hunter2")
		require.NoError(t, err)
		got, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, readErr)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, payload, got)
	}

	// Third download exceeds the limit.
	resp, err = http.Get(env.srv.URL + "/share/" + sr.ShareToken + "?password=hunter2")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestShareUnknownToken(t *testing.T) {
	env := setupServer(t)

	resp, err := http.Get(env.srv.URL + "/share/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShareOtherUsersFile(t *testing.T) {
	env := setupServer(t)
	alice := login(t, env, "alice")
	mallory := login(t, env, "mallory")

	ur := upload(t, env, alice, "mine.txt", "text/plain", []byte("private"))

	// Foreign objects look absent to the share endpoint.
	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/v1/files/"+ur.FileID+"/share", mallory, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThumbnailEndpoint(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ur := upload(t, env, token, "photo.png", "image/png", buf.Bytes())

	// Derivation is asynchronous; poll until it lands.
	url := env.srv.URL + "/api/v1/files/" + ur.FileID + "/thumbnail"
	deadline := time.Now().Add(5 * time.Second)
	var status int
	for time.Now().Before(deadline) {
		resp := doRequest(t, http.MethodGet, url, token, nil, "")
		status = resp.StatusCode
		_ = resp.Body.Close()
		if status == http.StatusOK {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, status, "thumbnail never became available")

	resp := doRequest(t, http.MethodGet, url, token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestThumbnailMissingForNonImage(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	ur := upload(t, env, token, "doc.txt", "text/plain", []byte("words"))
	time.Sleep(100 * time.Millisecond)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/v1/files/"+ur.FileID+"/thumbnail", token, nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	env := setupServer(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/alice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestWebSocketReceivesUploadEvent(t *testing.T) {
	env := setupServer(t)
	token := login(t, env, "alice")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/alice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// Make sure the session is registered before uploading.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && env.hub.OwnerSessionCount("alice") == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, env.hub.OwnerSessionCount("alice"))

	ur := upload(t, env, token, "live.txt", "text/plain", []byte("event payload"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev api.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, api.EventFileUploaded, ev.Type)
	payload, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ur.FileID, payload["file_id"])
	assert.Equal(t, "live.txt", payload["filename"])
}
