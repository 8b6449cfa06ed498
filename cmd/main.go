// voicegate bridges phone calls to a realtime conversational AI with
// appointment booking tools.
//
// Environment variables:
//   - OPENAI_API_KEY: Realtime API key (required)
//   - STREAM_URL: public wss:// URL for the media endpoint (required)
//   - SCHEDULING_ACCESS_TOKEN: booking gateway token (required)
//   - SCHEDULING_ENV: "sandbox" or "production" (default: sandbox)
//   - SCHEDULING_LOCATION_ID: booking location
//   - OPENAI_REALTIME_MODEL, VOICE, INSTRUCTIONS, GREETING
//   - COMMIT_SILENCE_MS, COMMIT_POLL_MS: committer timing
//   - PORT (default: 8080), TRACE_EXPORTER (stdout|otlp|none)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voicegate/voicegate/pkg/aisession"
	"github.com/voicegate/voicegate/pkg/committer"
	"github.com/voicegate/voicegate/pkg/config"
	"github.com/voicegate/voicegate/pkg/scheduling"
	"github.com/voicegate/voicegate/pkg/server"
	"github.com/voicegate/voicegate/pkg/session"
	"github.com/voicegate/voicegate/pkg/telephony"
	"github.com/voicegate/voicegate/pkg/tools"
	"github.com/voicegate/voicegate/pkg/trace"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := trace.Initialize(ctx, trace.Config{
		ServiceName:  "voicegate",
		ExporterType: cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}); err != nil {
		log.Fatalf("Tracing error: %v", err)
	}
	defer trace.Shutdown(context.Background())

	gateway, err := scheduling.NewClient(scheduling.Config{
		AccessToken: cfg.SchedulingAccessToken,
		Environment: cfg.SchedulingEnvironment,
		LocationID:  cfg.SchedulingLocationID,
	})
	if err != nil {
		log.Fatalf("Scheduling gateway error: %v", err)
	}

	factory := &session.Factory{
		AI: aisession.Config{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.RealtimeModel,
			Voice:        cfg.Voice,
			Instructions: cfg.Instructions,
			Greeting:     cfg.Greeting,
		},
		Committer: committer.Config{
			SilenceThreshold: cfg.SilenceThreshold,
			PollInterval:     cfg.PollInterval,
		},
		Dispatcher: tools.NewDispatcher(gateway),
	}

	srv := server.NewMediaServer(server.Config{
		Address:   ":" + cfg.Port,
		StreamURL: cfg.StreamURL,
	}, server.SessionFactoryFunc(
		func(ctx context.Context, conn *telephony.Conn, onClosed func()) (server.Session, error) {
			return factory.CreateSession(ctx, conn, onClosed)
		},
	))

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Configure the phone number webhook to http://your-server:%s/answer", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	srv.Stop()
}
