package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/adapters"
	"github.com/satriahrh/arunika/client/adapters/portaudio"
	"github.com/satriahrh/arunika/client/adapters/websocket"
	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/config"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/protocol"
	"github.com/satriahrh/arunika/client/usecase"
)

const (
	toneFrequency = 440
	toneAmplitude = 8000
)

func newListenCmd(opts *rootOptions) *cobra.Command {
	var (
		tone     bool
		duration time.Duration
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Record one utterance and print the server's answer",
		Long:  "listen connects, records from the microphone until Enter is pressed (or for --duration) and prints session events, transcripts and responses as they arrive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			device, permission := captureDevice(tone, cfg, logger)
			m := metrics.New(nil)
			if cfg.MetricsAddr != "" {
				stopMetrics := serveMetrics(cfg.MetricsAddr, m, logger)
				defer stopMetrics()
			}

			client, err := usecase.NewVoiceClient(cfg, websocket.NewTransport(), device, permission, logger, m)
			if err != nil {
				return err
			}
			defer client.Close()

			p := &printer{out: cmd.OutOrStdout()}
			responded, stopWatch := watch(client, p)
			defer stopWatch()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client.Start()
			if err := waitReady(ctx, client, cfg); err != nil {
				return err
			}

			if err := client.StartRecording(ctx); err != nil {
				return fmt.Errorf("start recording: %w", err)
			}
			if duration > 0 {
				p.Printf("recording for %s", duration)
				select {
				case <-time.After(duration):
				case <-ctx.Done():
				}
			} else {
				p.Printf("recording, press Enter to stop")
				waitEnter(ctx, cmd.InOrStdin())
			}
			if err := client.StopRecording(); err != nil {
				return fmt.Errorf("stop recording: %w", err)
			}
			p.Printf("recording stopped")

			if !cfg.Processing.AutoProcess {
				return nil
			}
			if wait <= 0 {
				wait = cfg.RequestTimeout
			}
			select {
			case <-responded:
			case <-time.After(wait):
				p.Printf("no response within %s", wait)
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&tone, "tone", false, "capture a generated tone instead of the microphone")
	cmd.Flags().DurationVar(&duration, "duration", 0, "record for this long instead of waiting for Enter")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for the response after recording (default request_timeout)")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	bindFlags(opts.v, cmd.Flags(), map[string]string{config.KeyMetricsAddr: "metrics-addr"})
	return cmd
}

func captureDevice(tone bool, cfg *config.Config, logger *zap.Logger) (repositories.AudioCapture, repositories.MicrophonePermission) {
	if tone {
		interval := entities.SamplesDuration(cfg.ChunkFrames)
		return adapters.NewToneCapture(cfg.ChunkFrames, interval, toneFrequency, toneAmplitude),
			adapters.StaticPermission(repositories.PermissionGranted)
	}
	return portaudio.NewCapture(cfg.ChunkFrames, logger), portaudio.DevicePermission{}
}

func waitReady(ctx context.Context, client *usecase.VoiceClient, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.HandshakeTimeout)
	defer cancel()
	if _, err := client.WaitReady(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	return nil
}

func waitEnter(ctx context.Context, in io.Reader) {
	line := make(chan struct{})
	go func() {
		bufio.NewReader(in).ReadString('\n')
		close(line)
	}()
	select {
	case <-line:
	case <-ctx.Done():
	}
}

// watch prints session events and server messages until stop is called. The
// returned channel is closed on the first llm_response.
func watch(client *usecase.VoiceClient, p *printer) (<-chan struct{}, func()) {
	messages, cancelMessages := client.Messages(64)
	events, cancelEvents := client.SessionEvents(16)
	responded := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		for messages != nil || events != nil {
			select {
			case msg, ok := <-messages:
				if !ok {
					messages = nil
					continue
				}
				if printMessage(p, msg) {
					once.Do(func() { close(responded) })
				}
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				printSessionEvent(p, ev)
			}
		}
	}()

	return responded, func() {
		cancelMessages()
		cancelEvents()
		<-done
	}
}

func printSessionEvent(p *printer, ev protocol.SessionEvent) {
	switch ev.Type {
	case protocol.SessionEstablished:
		p.Printf("session established: %s", ev.SessionID)
	case protocol.SessionHandshakeFailed:
		p.Printf("handshake failed: %v", ev.Err)
	case protocol.SessionClosed:
		p.Printf("session closed: %s", ev.SessionID)
	}
}

// printMessage reports whether msg was the final answer
func printMessage(p *printer, msg entities.Message) bool {
	switch msg.Type {
	case entities.MessageTypeSTTResponse:
		var stt entities.STTResponsePayload
		if msg.DecodeData(&stt) == nil {
			p.Printf("transcript: %s", stt.Text)
		}
	case entities.MessageTypeLLMStream:
		var chunk entities.LLMStreamPayload
		if msg.DecodeData(&chunk) == nil {
			p.Printf("... %s", chunk.Chunk)
		}
	case entities.MessageTypeLLMResponse:
		var llm entities.LLMResponsePayload
		if msg.DecodeData(&llm) == nil {
			p.Printf("response: %s", llm.Response)
		}
		return true
	case entities.MessageTypeStatusUpdate:
		var status entities.StatusUpdatePayload
		if msg.DecodeData(&status) == nil {
			p.Printf("status: %s (%d%%)", status.Status, status.Progress)
		}
	case entities.MessageTypeError:
		var peerErr entities.PeerError
		if msg.DecodeData(&peerErr.ErrorPayload) == nil {
			p.Printf("server error: %v", &peerErr)
		}
	}
	return false
}

// serveMetrics exposes m on addr/metrics and returns a function that shuts
// the server down
func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) func() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	}
}
