package usecase

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/arunika/client/adapters"
	"github.com/satriahrh/arunika/client/adapters/websocket"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/connection"
	"github.com/satriahrh/arunika/client/internal/peer"
	"github.com/satriahrh/arunika/client/internal/protocol"
	"github.com/satriahrh/arunika/client/internal/transporttest"
)

const waitFor = 3 * time.Second

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), "", "")
	require.NoError(t, err)
	cfg.ServerURL = url
	cfg.ClientID = "device-test"
	cfg.AuthSecret = ""
	cfg.HandshakeTimeout = time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Minute
	return cfg
}

func granted() repositories.MicrophonePermission {
	return adapters.StaticPermission(repositories.PermissionGranted)
}

// establish answers the handshake on the next fake connection
func establish(t *testing.T, transport *transporttest.Transport, sessionID string) *transporttest.Conn {
	t.Helper()
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok, "client did not dial")
	_, ok = conn.NextSentOfType(entities.MessageTypeConnectionRequest, waitFor)
	require.True(t, ok, "client did not send connection_request")
	require.NoError(t, conn.Reply(entities.MessageTypeConnectionResponse, entities.ConnectionResponsePayload{
		Status:    entities.ConnectionStatusConnected,
		SessionID: sessionID,
	}))
	return conn
}

func waitSessionEvent(t *testing.T, events <-chan protocol.SessionEvent, eventType protocol.SessionEventType) protocol.SessionEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s session event", eventType)
		}
	}
}

func waitMessage(t *testing.T, messages <-chan entities.Message, msgType entities.MessageType) entities.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-messages:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message", msgType)
		}
	}
}

func TestNewVoiceClientValidatesConfig(t *testing.T) {
	_, err := NewVoiceClient(nil, transporttest.NewTransport(), adapters.NewMemoryCapture(), granted(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t, "ws://peer/ws")
	cfg.QueueCapacity = 0
	_, err = NewVoiceClient(cfg, transporttest.NewTransport(), adapters.NewMemoryCapture(), granted(), nil, nil)
	assert.ErrorContains(t, err, config.KeyQueueCapacity)
}

func TestStartRecordingRequiresSession(t *testing.T) {
	device := adapters.NewMemoryCapture()
	client, err := NewVoiceClient(testConfig(t, "ws://peer/ws"), transporttest.NewTransport(), device, granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	assert.ErrorIs(t, client.StartRecording(context.Background()), entities.ErrSessionNotEstablished)
	assert.False(t, device.IsOpen())
	assert.False(t, client.Recording())
}

func TestStartRecordingPermissionDeniedCancelsPass(t *testing.T) {
	transport := transporttest.NewTransport()
	device := adapters.NewMemoryCapture()
	client, err := NewVoiceClient(testConfig(t, "ws://peer/ws"), transport, device,
		adapters.StaticPermission(repositories.PermissionDenied), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	client.Start()
	establish(t, transport, "s1")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err = client.WaitReady(ctx)
	require.NoError(t, err)

	err = client.StartRecording(ctx)
	assert.ErrorIs(t, err, entities.ErrPermissionDenied)
	assert.False(t, client.session.Recording(), "protocol pass is cancelled")
	assert.Equal(t, 0, device.Opens())
}

func TestRecordingOverFakeTransport(t *testing.T) {
	transport := transporttest.NewTransport()
	device := adapters.NewMemoryCapture()
	client, err := NewVoiceClient(testConfig(t, "ws://peer/ws"), transport, device, granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	client.Start()
	conn := establish(t, transport, "s1")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err = client.WaitReady(ctx)
	require.NoError(t, err)

	require.NoError(t, client.StartRecording(ctx))
	assert.ErrorIs(t, client.StartRecording(ctx), entities.ErrAlreadyRecording)
	require.True(t, device.Push(make([]byte, 3200)))
	require.NoError(t, client.StopRecording())
	assert.False(t, client.Recording())

	_, ok := conn.NextSentOfType(entities.MessageTypeAudioStart, waitFor)
	require.True(t, ok)
	var sequences []uint32
	for len(sequences) < 2 {
		msg, ok := conn.NextSentOfType(entities.MessageTypeAudioData, waitFor)
		require.True(t, ok)
		var data entities.AudioDataPayload
		require.NoError(t, msg.DecodeData(&data))
		sequences = append(sequences, data.Sequence)
	}
	assert.Equal(t, []uint32{0, 1}, sequences)

	stop, ok := conn.NextSentOfType(entities.MessageTypeAudioStop, waitFor)
	require.True(t, ok)
	var stopPayload entities.AudioStopPayload
	require.NoError(t, stop.DecodeData(&stopPayload))
	assert.Equal(t, uint32(1), stopPayload.Sequence)
	assert.Equal(t, int64(100), stopPayload.DurationMs)
}

func TestOverflowIsReported(t *testing.T) {
	transport := transporttest.NewTransport()
	transport.RefuseAll(true)
	cfg := testConfig(t, "ws://peer/ws")
	cfg.QueueCapacity = 2
	client, err := NewVoiceClient(cfg, transport, adapters.NewMemoryCapture(), granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	overflows := make(chan Overflow, 4)
	client.OnOverflow(func(o Overflow) { overflows <- o })

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := client.session.Submit(entities.MessageTypeStatusUpdate, entities.StatusUpdatePayload{Progress: i})
		require.NoError(t, err)
		ids = append(ids, msg.MessageID)
	}

	select {
	case o := <-overflows:
		assert.Equal(t, ids[0], o.Message.MessageID, "oldest message is dropped")
		assert.ErrorIs(t, o.Err, entities.ErrQueueOverflow)
	case <-time.After(waitFor):
		t.Fatal("overflow not reported")
	}
	assert.Equal(t, 2, client.Pending())
}

func TestDialCarriesBearerToken(t *testing.T) {
	transport := transporttest.NewTransport()
	cfg := testConfig(t, "ws://peer/ws")
	cfg.AuthSecret = "shared"
	client, err := NewVoiceClient(cfg, transport, adapters.NewMemoryCapture(), granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	client.Start()
	establish(t, transport, "s1")

	headers := transport.Headers()
	require.NotEmpty(t, headers)
	assert.True(t, strings.HasPrefix(headers[0].Get("Authorization"), "Bearer "))
}

func startDevPeer(t *testing.T, cfg peer.Config) (*peer.Hub, string) {
	t.Helper()
	hub := peer.NewHub(cfg, nil)
	go hub.Run()
	server := httptest.NewServer(peer.NewServer(hub))
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestVoiceClientAgainstDevPeer(t *testing.T) {
	hub, url := startDevPeer(t, peer.Config{Secret: "shared", Transcript: "lights on"})

	cfg := testConfig(t, url)
	cfg.AuthSecret = "shared"
	device := adapters.NewMemoryCapture()
	client, err := NewVoiceClient(cfg, websocket.NewTransport(), device, granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	events, cancelEvents := client.SessionEvents(16)
	defer cancelEvents()
	messages, cancelMessages := client.Messages(128)
	defer cancelMessages()

	client.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
	defer cancel()

	first, err := client.WaitReady(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "sess_"))
	assert.Equal(t, entities.ConnectionStateConnected, client.State())

	answer, err := client.Ask(ctx, "turn it up")
	require.NoError(t, err)
	assert.Equal(t, "You said: turn it up", answer.Response)
	assert.Equal(t, first, answer.SessionID)

	tool, err := client.ExecuteTool(ctx, "volume", map[string]interface{}{"level": 5})
	require.NoError(t, err)
	assert.True(t, tool.Success)

	require.NoError(t, client.StartRecording(ctx))
	require.True(t, device.Push(make([]byte, 3200)))
	require.True(t, device.Push(make([]byte, 3200)))
	require.NoError(t, client.StopRecording())

	var stt entities.STTResponsePayload
	require.NoError(t, waitMessage(t, messages, entities.MessageTypeSTTResponse).DecodeData(&stt))
	assert.Equal(t, "lights on", stt.Text)
	assert.Equal(t, int64(200), stt.AudioDurationMs)

	var llm entities.LLMResponsePayload
	require.NoError(t, waitMessage(t, messages, entities.MessageTypeLLMResponse).DecodeData(&llm))
	assert.Equal(t, "You said: lights on", llm.Response)

	again, err := client.Transcribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lights on", again.Text)

	assert.Equal(t, 1, hub.DropAll())
	closed := waitSessionEvent(t, events, protocol.SessionClosed)
	assert.Equal(t, first, closed.SessionID)

	second := waitSessionEvent(t, events, protocol.SessionEstablished)
	assert.NotEqual(t, first, second.SessionID, "a reconnection negotiates a new session")

	client.Stop()
	assert.Equal(t, entities.ConnectionStateClosed, client.State())
}

func TestSilentPeerTriggersReconnect(t *testing.T) {
	hub, url := startDevPeer(t, peer.Config{})
	hub.MuteHeartbeats(true)

	cfg := testConfig(t, url)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatGrace = 50 * time.Millisecond
	client, err := NewVoiceClient(cfg, websocket.NewTransport(), adapters.NewMemoryCapture(), granted(), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	events, cancelEvents := client.ConnectionEvents(64)
	defer cancelEvents()

	client.Start()

	reconnected := 0
	deadline := time.After(2 * waitFor)
	for reconnected < 2 {
		select {
		case ev := <-events:
			if ev.Type == connection.EventReconnected {
				reconnected++
			}
		case <-deadline:
			t.Fatalf("expected a forced reconnect, saw %d connections", reconnected)
		}
	}
}
