package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/investor-relay/internal/server"
)

type testRelay struct {
	cfg  server.Config
	srv  *server.Server
	http *httptest.Server
	fs   afero.Fs
}

// startRelay runs a relay on an in-memory file system behind httptest.
func startRelay(t *testing.T, customize func(cfg *server.Config)) *testRelay {
	t.Helper()

	cfg := server.NewConfig()
	cfg.RateLimit.Burst = 100
	if customize != nil {
		customize(&cfg)
	}

	fs := afero.NewMemMapFs()
	srv, err := server.New(cfg, fs, logs.GetLoggerFromLevel(slog.LevelError))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testRelay{cfg: cfg, srv: srv, http: ts, fs: fs}
}

func (r *testRelay) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial opens a WebSocket to the relay.
func dial(t *testing.T, relay *testRelay, query string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(relay.wsURL(query), http.Header{"Origin": []string{relay.http.URL}})
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(server.Envelope{Event: event, Data: raw}))
}

// readEvent reads frames until one named event arrives and decodes its data into v.
func readEvent(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env server.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

// countEvents drains frames for the given window and counts those named event.
// The connection cannot be read again afterwards.
func countEvents(t *testing.T, conn *websocket.Conn, event string, window time.Duration) int {
	t.Helper()
	count := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	for {
		var env server.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return count
			}
			t.Fatalf("unexpected read error: %v", err)
		}
		if env.Event == event {
			count++
		}
	}
}

func getJSON(t *testing.T, relay *testRelay, path string, v any) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(relay.http.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// multipartUpload builds an upload request body. An empty filename omits the file part.
func multipartUpload(t *testing.T, filename, contentType string, content []byte, investorID string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="paymentProof"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = io.Copy(part, bytes.NewReader(content))
		require.NoError(t, err)
	}
	if investorID != "" {
		require.NoError(t, w.WriteField("investorId", investorID))
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

// fakeJPEG returns size bytes starting with a JPEG signature.
func fakeJPEG(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00})
	return data
}

// fakePNG returns size bytes starting with a PNG signature.
func fakePNG(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR"))
	return data
}
