// Package runner wires the engine's processes. The server runner exposes the
// trigger API and, without Redis, an in-process scheduler; the worker runner
// consumes the distributed queue. The shared service stack lives in Core.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/tlmt"
	"github.com/omnivault/sync-engine/tlmt/gonoop"
	"github.com/omnivault/sync-engine/tlmt/goposthog"
)

const (
	RunModeServer = iota + 1
	RunModeWorker
)

const posthogEndpoint = "https://eu.i.posthog.com"

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

// Config is the environment configuration plus the process-level switches
// owned by the command line.
type Config struct {
	*config.Config

	Addr    string
	Worker  bool
	Debug   bool
	RunMode int
}

// ParseConfig reads the command line and the environment. Flags override
// their environment counterparts so one binary serves compose files and
// local runs alike.
func ParseConfig() (*Config, error) {
	cfg := Config{}

	var (
		databaseURL string
		redisAddr   string
	)

	flag.StringVar(&cfg.Addr, "addr", ":8080", "address the trigger API listens on")
	flag.BoolVar(&cfg.Worker, "worker", false, "run as a queue worker instead of the API server (requires Redis)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.StringVar(&databaseURL, "db", "", "database DSN (overrides DATABASE_URL)")
	flag.StringVar(&redisAddr, "redis", "", "redis address (overrides REDIS_ADDR)")

	flag.Parse()

	env, err := config.New()
	if err != nil {
		return nil, err
	}

	cfg.Config = env

	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}

	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}

	if cfg.Worker {
		cfg.RunMode = RunModeWorker
	} else {
		cfg.RunMode = RunModeServer
	}

	initTelemetry(cfg.Telemetry)

	return &cfg, nil
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

// Telemetry returns the process-wide usage reporter, configured by
// ParseConfig. It is a noop unless a PostHog key is set and
// DISABLE_TELEMETRY is unset.
func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		telemetry = gonoop.New()
	})

	return telemetry
}

func initTelemetry(tcfg config.Telemetry) {
	telemetryOnce.Do(func() {
		if tcfg.Disabled || tcfg.PostHogKey == "" {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New(tcfg.PostHogKey, posthogEndpoint)
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		lineWidth := runewidth.StringWidth(line)
		paddingRight := contentWidth - lineWidth

		if paddingRight < 0 {
			paddingRight = 0
		}

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

// Banner prints the startup banner with the effective mode and providers.
func Banner(cfg *Config) {
	mode := "server (standalone scheduler)"

	switch {
	case cfg.Worker:
		mode = "worker"
	case cfg.Redis.Enabled():
		mode = "server (distributed queue)"
	}

	providers := strings.Join(cfg.EnabledProviders(), ", ")
	if providers == "" {
		providers = "none"
	}

	messages := []string{
		"OmniVault Sync Engine",
		fmt.Sprintf("mode: %s", mode),
		fmt.Sprintf("providers: %s", providers),
	}

	fmt.Fprintln(os.Stderr, banner(messages, 0))
}
