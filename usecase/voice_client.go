package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/auth"
	"github.com/satriahrh/arunika/client/internal/capture"
	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/connection"
	"github.com/satriahrh/arunika/client/internal/heartbeat"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/protocol"
	"github.com/satriahrh/arunika/client/internal/pubsub"
	"github.com/satriahrh/arunika/client/internal/queue"
)

// Overflow reports a message the outbound queue dropped
type Overflow struct {
	Message entities.Message
	Err     error
}

// VoiceClient orchestrates the connection, protocol session, outbound queue,
// capture pipeline and heartbeat monitor of one voice client
type VoiceClient struct {
	cfg      *config.Config
	manager  *connection.Manager
	queue    *queue.Queue
	session  *protocol.Session
	pipeline *capture.Pipeline
	monitor  *heartbeat.Monitor

	overflows *pubsub.Topic[Overflow]
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancels []func()
}

// NewVoiceClient wires a client from cfg. Nothing is dialled until Start.
func NewVoiceClient(
	cfg *config.Config,
	transport repositories.Transport,
	device repositories.AudioCapture,
	permission repositories.MicrophonePermission,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*VoiceClient, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	c := &VoiceClient{
		cfg:       cfg,
		overflows: pubsub.NewTopic[Overflow](),
		logger:    logger.Named("voice_client"),
		metrics:   m,
	}

	c.manager = connection.NewManager(connection.Config{
		URL:            cfg.ServerURL,
		Header:         c.dialHeader(),
		ConnectTimeout: cfg.ConnectTimeout,
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxDelay:       cfg.ReconnectMaxDelay,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
	}, transport, logger, m)

	c.queue = queue.New(c.manager, cfg.QueueCapacity, func(dropped entities.Message, err error) {
		c.overflows.Publish(Overflow{Message: dropped, Err: err})
	}, logger, m)

	c.session = protocol.NewSession(protocol.Config{
		ClientID:         cfg.ClientID,
		ClientVersion:    cfg.ClientVersion,
		Capabilities:     cfg.Capabilities,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		Processing:       cfg.Processing,
	}, c.manager, c.queue, logger, m)

	c.pipeline = capture.NewPipeline(device, permission, cfg.ChunkBuffer, logger, m)
	c.monitor = heartbeat.NewMonitor(c.manager, cfg.HeartbeatInterval, cfg.HeartbeatGrace, logger, m)

	c.cancels = append(c.cancels, c.pipeline.OnChunk(c.forwardChunk))
	return c, nil
}

// dialHeader mints a fresh bearer token per dial when a secret is configured
func (c *VoiceClient) dialHeader() func() (http.Header, error) {
	if c.cfg.AuthSecret == "" {
		return nil
	}
	signer := auth.NewSigner(c.cfg.AuthSecret, 0)
	caps := make([]string, len(c.cfg.Capabilities))
	for i, capability := range c.cfg.Capabilities {
		caps[i] = string(capability)
	}
	return func() (http.Header, error) {
		return signer.Header(c.cfg.ClientID, caps)
	}
}

// forwardChunk runs on the pipeline's emit goroutine
func (c *VoiceClient) forwardChunk(chunk entities.AudioChunk) {
	err := c.session.SendChunk(chunk)
	if errors.Is(err, entities.ErrSessionNotEstablished) {
		c.logger.Debug("Dropping audio chunk of a closed session", zap.Uint32("sequence", chunk.Sequence))
		return
	}
	if err != nil {
		c.logger.Warn("Failed to send audio chunk",
			zap.Uint32("sequence", chunk.Sequence),
			zap.Bool("isFinal", chunk.IsFinal),
			zap.Error(err))
	}
}

// Start begins connecting in the background
func (c *VoiceClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.monitor.Start()
	c.manager.Connect()
	c.logger.Info("Voice client started",
		zap.String("serverURL", c.cfg.ServerURL),
		zap.String("clientID", c.cfg.ClientID))
}

// Reconnect restarts connecting after the manager gave up
func (c *VoiceClient) Reconnect() {
	c.manager.Connect()
}

// Stop ends any recording, closes the connection and detaches every component
func (c *VoiceClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	if c.pipeline.State() == capture.StateRecording {
		if err := c.pipeline.StopCapture(); err != nil {
			c.logger.Warn("Failed to stop capture", zap.Error(err))
		}
	}
	c.manager.Disconnect()
	c.monitor.Stop()
	c.logger.Info("Voice client stopped")
}

// Close stops the client and releases every subscription. The client cannot
// be restarted afterwards.
func (c *VoiceClient) Close() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.session.Close()
	c.overflows.Close()
}

// WaitReady blocks until a session is established
func (c *VoiceClient) WaitReady(ctx context.Context) (string, error) {
	return c.session.WaitEstablished(ctx)
}

// State is the connection state
func (c *VoiceClient) State() entities.ConnectionState {
	return c.manager.State()
}

// Session returns a snapshot of the negotiated session
func (c *VoiceClient) Session() entities.Session {
	return c.session.Current()
}

// Recording reports whether audio is being captured
func (c *VoiceClient) Recording() bool {
	return c.pipeline.State() == capture.StateRecording
}

// Pending is the number of messages waiting for the connection
func (c *VoiceClient) Pending() int {
	return c.queue.Len()
}

// Metrics exposes the client's collectors
func (c *VoiceClient) Metrics() *metrics.Metrics {
	return c.metrics
}

// StartRecording announces a recording pass and opens the microphone
func (c *VoiceClient) StartRecording(ctx context.Context) error {
	if c.pipeline.State() == capture.StateRecording {
		return entities.ErrAlreadyRecording
	}
	if err := c.session.BeginRecording(); err != nil {
		return err
	}
	if err := c.pipeline.StartCapture(ctx); err != nil {
		if cancelErr := c.session.CancelRecording(); cancelErr != nil {
			c.logger.Warn("Failed to cancel recording", zap.Error(cancelErr))
		}
		return err
	}
	return nil
}

// StopRecording closes the microphone. The final chunk and audio_stop are
// framed before it returns.
func (c *VoiceClient) StopRecording() error {
	return c.pipeline.StopCapture()
}

// Ask sends text to the peer's language model
func (c *VoiceClient) Ask(ctx context.Context, text string) (*entities.LLMResponsePayload, error) {
	return c.session.AskLanguageModel(ctx, entities.LLMRequestPayload{
		Text:  text,
		Model: c.cfg.Processing.Model,
	})
}

// Transcribe asks the peer to transcribe the last recording
func (c *VoiceClient) Transcribe(ctx context.Context) (*entities.STTResponsePayload, error) {
	return c.session.RequestTranscription(ctx, entities.STTRequestPayload{})
}

// ExecuteTool asks the peer to run a tool
func (c *VoiceClient) ExecuteTool(ctx context.Context, tool string, arguments map[string]interface{}) (*entities.MCPResponsePayload, error) {
	return c.session.ExecuteTool(ctx, entities.MCPRequestPayload{Tool: tool, Arguments: arguments})
}

// OnMessage observes inbound messages no request is waiting for
func (c *VoiceClient) OnMessage(fn func(entities.Message)) (cancel func()) {
	return c.session.OnMessage(fn)
}

// Messages subscribes to inbound messages no request is waiting for
func (c *VoiceClient) Messages(buffer int) (<-chan entities.Message, func()) {
	return c.session.Messages(buffer)
}

// OnSessionEvent observes session establishment, failure and close
func (c *VoiceClient) OnSessionEvent(fn func(protocol.SessionEvent)) (cancel func()) {
	return c.session.OnSessionEvent(fn)
}

// SessionEvents subscribes to session events
func (c *VoiceClient) SessionEvents(buffer int) (<-chan protocol.SessionEvent, func()) {
	return c.session.SessionEvents(buffer)
}

// ConnectionEvents subscribes to connection state changes
func (c *VoiceClient) ConnectionEvents(buffer int) (<-chan connection.Event, func()) {
	return c.manager.Events(buffer)
}

// Levels subscribes to per-chunk audio levels
func (c *VoiceClient) Levels(buffer int) (<-chan capture.LevelEvent, func()) {
	return c.pipeline.Levels(buffer)
}

// OnOverflow observes messages dropped by the outbound queue. Audio of a pass
// whose session closed never reaches the queue and is not reported here; see
// protocol.SessionClosed.
func (c *VoiceClient) OnOverflow(fn func(Overflow)) (cancel func()) {
	return c.overflows.Listen(fn)
}
