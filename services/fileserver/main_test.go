package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgreene/gravix-files/pkg/filestore"
	"github.com/lgreene/gravix-files/pkg/storage"
)

var testOptions = filestore.Options{
	Provider:         "memory",
	ContainerName:    "files",
	ConnectionString: "baseURL=memory://files/",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, backend storage.Backend, apiKey string, opts ...func(*filestore.Options)) *httptest.Server {
	t.Helper()
	o := testOptions
	for _, fn := range opts {
		fn(&o)
	}
	p, err := filestore.New(context.Background(), o,
		filestore.WithBackend(backend),
		filestore.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(newServer(p, quietLogger(), apiKey, 1<<20).routes())
	t.Cleanup(ts.Close)
	return ts
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, ts *httptest.Server, filename string, data []byte) filestore.FileResult {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, "text/plain", data)
	resp, err := http.Post(ts.URL+"/api/v1/files", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res filestore.FileResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func do(t *testing.T, method, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestUploadDownloadDelete(t *testing.T) {
	mem := storage.NewMemoryStore("memory://files/")
	ts := newTestServer(t, mem, "")

	res := upload(t, ts, "report.txt", []byte("hello"))
	assert.Regexp(t, `^report-[0-9a-f-]{36}\.txt$`, res.Key)
	assert.Equal(t, "memory://files/"+res.Key, res.URL)
	obj, ok := mem.Object(res.Key)
	require.True(t, ok)
	assert.Equal(t, "text/plain", obj.ContentType)

	resp, data := do(t, http.MethodGet, ts.URL+"/api/v1/files/"+res.Key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(data))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	resp, data = do(t, http.MethodGet, ts.URL+"/api/v1/files/"+res.Key+"?buffer=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/files/"+res.Key, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Deleting again is still a success.
	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/files/"+res.Key, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/files/"+res.Key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_BadRequests(t *testing.T) {
	ts := newTestServer(t, storage.NewMemoryStore(""), "")

	resp, err := http.Post(ts.URL+"/api/v1/files", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct := multipartBody(t, "attachment", "a.txt", "text/plain", []byte("x"))
	resp, err = http.Post(ts.URL+"/api/v1/files", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpload_TooLarge(t *testing.T) {
	p, err := filestore.New(context.Background(), testOptions,
		filestore.WithBackend(storage.NewMemoryStore("")),
		filestore.WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	handler := newServer(p, quietLogger(), "", 1<<20).routes()

	body, ct := multipartBody(t, "file", "big.bin", "application/octet-stream", make([]byte, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, storage.NewMemoryStore(""), "secret")

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/files/a.txt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/files/a.txt", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/files/a.txt", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Probes and metrics stay open.
	resp, _ = do(t, http.MethodGet, ts.URL+"/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresign_Unsupported(t *testing.T) {
	ts := newTestServer(t, storage.NewMemoryStore(""), "")
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/files/a.txt/url", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestPresign_UnsignedFallback(t *testing.T) {
	ts := newTestServer(t, storage.NewMemoryStore("memory://files/"), "", func(o *filestore.Options) {
		o.AllowUnsignedURLs = true
	})
	resp, data := do(t, http.MethodGet, ts.URL+"/api/v1/files/a.txt/url", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"url":"memory://files/a.txt"}`, string(data))
}

func TestLocalSignedDownload(t *testing.T) {
	local, err := storage.NewLocalStore(t.TempDir(), "/files")
	require.NoError(t, err)
	local.SetSigningKey([]byte("signing-secret"))
	ts := newTestServer(t, local, "secret")

	body, ct := multipartBody(t, "file", "photo.png", "image/png", []byte("png-bytes"))
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/files", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var res filestore.FileResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := do(t, http.MethodGet, ts.URL+"/api/v1/files/"+res.Key+"/url", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var presigned struct{ URL string }
	require.NoError(t, json.Unmarshal(data, &presigned))
	assert.True(t, strings.HasPrefix(presigned.URL, "/files/"+res.Key+"?token="))

	// The signed URL needs no API key.
	resp, data = do(t, http.MethodGet, ts.URL+presigned.URL, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, _ = do(t, http.MethodGet, ts.URL+"/files/"+res.Key+"?token=forged", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLocalSignedDownload_ReservedCharactersInFilename(t *testing.T) {
	local, err := storage.NewLocalStore(t.TempDir(), "/files")
	require.NoError(t, err)
	local.SetSigningKey([]byte("signing-secret"))
	ts := newTestServer(t, local, "")

	res := upload(t, ts, "what?#1.png", []byte("odd-name"))
	assert.True(t, strings.HasPrefix(res.Key, "what?#1-"))
	escaped := url.PathEscape(res.Key)
	assert.Equal(t, "/files/"+escaped, res.URL)

	resp, data := do(t, http.MethodGet, ts.URL+"/api/v1/files/"+escaped+"/url", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var presigned struct{ URL string }
	require.NoError(t, json.Unmarshal(data, &presigned))
	assert.True(t, strings.HasPrefix(presigned.URL, "/files/"+escaped+"?token="))

	resp, data = do(t, http.MethodGet, ts.URL+presigned.URL, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "odd-name", string(data))

	// Lower-case escapes are non-canonical, so routing sees the raw path.
	lower := strings.ReplaceAll(escaped, "%3F", "%3f")
	resp, data = do(t, http.MethodGet, ts.URL+"/api/v1/files/"+lower+"?buffer=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "odd-name", string(data))

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/files/"+escaped, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = local.Get(context.Background(), res.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&filestore.Error{Kind: filestore.ErrRead, Err: storage.ErrNotFound}, http.StatusNotFound},
		{&filestore.Error{Kind: filestore.ErrRead, Err: storage.ErrPresignUnsupported}, http.StatusNotImplemented},
		{&filestore.Error{Kind: filestore.ErrDelete, Err: storage.ErrInvalidKey}, http.StatusBadRequest},
		{&filestore.Error{Kind: filestore.ErrConfiguration, Err: io.EOF}, http.StatusInternalServerError},
		{&filestore.Error{Kind: filestore.ErrWrite, Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestReadyAndMetrics(t *testing.T) {
	ts := newTestServer(t, storage.NewMemoryStore(""), "")
	upload(t, ts, "a.txt", []byte("abc"))

	resp, _ := do(t, http.MethodGet, ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `filestore_requests_total{op="upload",status="201"}`)
	assert.Contains(t, string(data), "filestore_upload_size_bytes_count")
}
