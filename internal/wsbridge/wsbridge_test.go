package wsbridge

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestBridge_TextRoundTrip is Testable Property 8 (the Text half):
// a message written on the client leg arrives unmodified on the
// upstream leg and vice versa.
func TestBridge_TextRoundTrip(t *testing.T) {
	clientSide, clientBridgeSide := net.Pipe()
	upstreamSide, upstreamBridgeSide := net.Pipe()

	client := websocket.NewConn(clientSide, false, 4096, 4096, nil, nil)
	bridgeClient := AcceptClient(clientBridgeSide)
	bridgeUpstream := websocket.NewConn(upstreamBridgeSide, false, 4096, 4096, nil, nil)
	echo := websocket.NewConn(upstreamSide, true, 4096, 4096, nil, nil)

	// Echo server on the "real" upstream side.
	go func() {
		for {
			kind, data, err := echo.ReadMessage()
			if err != nil {
				return
			}
			if err := echo.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		Bridge(context.Background(), discardLogger(), bridgeClient, bridgeUpstream)
		close(done)
	}()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not terminate after close")
	}
}

func TestTranslateCloseCode_KnownPassesThrough(t *testing.T) {
	assert.Equal(t, websocket.CloseProtocolError, TranslateCloseCode(websocket.CloseProtocolError))
}

func TestTranslateCloseCode_UnknownFoldsToNormal(t *testing.T) {
	assert.Equal(t, websocket.CloseNormalClosure, TranslateCloseCode(4999))
}
