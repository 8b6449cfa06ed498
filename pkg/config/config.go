// Package config loads bridge configuration from environment variables.
// Missing credentials are a startup failure: the process must not begin
// serving calls it cannot bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for optional settings.
const (
	DefaultPort          = "8080"
	DefaultRealtimeModel = "gpt-4o-realtime-preview"
	DefaultVoice         = "alloy"

	DefaultInstructions = `You are a friendly phone receptionist for an appointment-based business.
Keep responses short and conversational - this is a phone call.
You can look up, book, cancel, and reschedule appointments using the available tools.
Always confirm the details back to the caller before booking or changing anything.
If a tool reports an error, apologize briefly and offer to try something else.`

	DefaultGreeting = "Greet the caller warmly, say you can help with booking, checking, or changing appointments, and ask what they need."
)

// Config is the full bridge configuration.
type Config struct {
	// Server
	Port      string
	StreamURL string

	// AI leg
	OpenAIAPIKey  string
	RealtimeModel string
	Voice         string
	Instructions  string
	Greeting      string

	// Committer timing
	SilenceThreshold time.Duration
	PollInterval     time.Duration

	// Scheduling gateway
	SchedulingAccessToken string
	SchedulingEnvironment string
	SchedulingLocationID  string

	// Tracing
	TraceExporter string
	OTLPEndpoint  string
}

// Load reads the environment. It returns an error naming every missing
// required variable.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		StreamURL:             os.Getenv("STREAM_URL"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		RealtimeModel:         getEnv("OPENAI_REALTIME_MODEL", DefaultRealtimeModel),
		Voice:                 getEnv("VOICE", DefaultVoice),
		Instructions:          getEnv("INSTRUCTIONS", DefaultInstructions),
		Greeting:              getEnv("GREETING", DefaultGreeting),
		SilenceThreshold:      getEnvMillis("COMMIT_SILENCE_MS", 600*time.Millisecond),
		PollInterval:          getEnvMillis("COMMIT_POLL_MS", 200*time.Millisecond),
		SchedulingAccessToken: os.Getenv("SCHEDULING_ACCESS_TOKEN"),
		SchedulingEnvironment: getEnv("SCHEDULING_ENV", "sandbox"),
		SchedulingLocationID:  os.Getenv("SCHEDULING_LOCATION_ID"),
		TraceExporter:         getEnv("TRACE_EXPORTER", "none"),
		OTLPEndpoint:          getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing required variable at once.
func (c *Config) Validate() error {
	var missing []string
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.StreamURL == "" {
		missing = append(missing, "STREAM_URL")
	}
	if c.SchedulingAccessToken == "" {
		missing = append(missing, "SCHEDULING_ACCESS_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
