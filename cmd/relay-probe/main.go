// Command relay-probe drives one live session against a running relay: it
// streams a PCM file (or a test tone) as microphone audio, waits for the
// assistant's turn and writes the reply audio to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haidevelopment/service-proxy-ai/internal/dotenv"
	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
	relay "github.com/haidevelopment/service-proxy-ai/sdk"
)

type options struct {
	relayURL   string
	apiKey     string
	userID     string
	promptType string
	voiceName  string
	level      string
	inputPCM   string
	toneMS     int
	text       string
	outputPCM  string
	blockSize  int
	timeout    time.Duration
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		return 2
	}

	opt, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := runProbe(ctx, opt, logger); err != nil {
		logger.Error("probe failed", "error", err)
		return 1
	}
	return 0
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opt options
	fs.StringVar(&opt.relayURL, "relay", envOr("RELAY_PROBE_URL", "http://localhost:3000"), "Relay base URL (http(s):// or ws(s)://)")
	fs.StringVar(&opt.apiKey, "api-key", strings.TrimSpace(os.Getenv("RELAY_PROBE_API_KEY")), "Relay API key (also reads RELAY_PROBE_API_KEY)")
	fs.StringVar(&opt.userID, "user", "relay-probe", "User id reported to the relay")
	fs.StringVar(&opt.promptType, "prompt", "", "Prompt type sent in init (default: relay default)")
	fs.StringVar(&opt.voiceName, "voice", "", "Voice name sent in init")
	fs.StringVar(&opt.level, "level", "", "Learner level sent in init")
	fs.StringVar(&opt.inputPCM, "input-pcm", "", "Raw pcm_s16le 16kHz mono file to stream as microphone input")
	fs.IntVar(&opt.toneMS, "tone-ms", 1500, "When no input file is given, stream a 440Hz tone of this length")
	fs.StringVar(&opt.text, "text", "", "Send this text turn instead of audio")
	fs.StringVar(&opt.outputPCM, "output-pcm", "reply.pcm", "Write assistant audio here (raw pcm_s16le; rate from the relay)")
	fs.IntVar(&opt.blockSize, "block-size", relay.DefaultCaptureBlockSize, "Samples per captured block")
	fs.DurationVar(&opt.timeout, "timeout", 60*time.Second, "Give up if the assistant turn has not completed by then")
	fs.BoolVar(&opt.debug, "debug", false, "Log every relay message")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(opt.relayURL) == "" {
		return options{}, errors.New("--relay is required")
	}
	if opt.blockSize <= 0 {
		return options{}, errors.New("--block-size must be > 0")
	}
	if opt.timeout <= 0 {
		return options{}, errors.New("--timeout must be > 0")
	}
	if opt.inputPCM == "" && opt.text == "" && opt.toneMS <= 0 {
		return options{}, errors.New("one of --input-pcm, --text or --tone-ms is required")
	}
	return opt, nil
}

// runProbe runs one session to the first completed assistant turn.
func runProbe(ctx context.Context, opt options, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opt.timeout)
	defer cancel()

	var blocks [][]float32
	if opt.text == "" {
		var err error
		blocks, err = loadInput(opt)
		if err != nil {
			return err
		}
	}

	out, err := os.Create(opt.outputPCM)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	clock := relay.NewWallClock()
	sink := newPCMSink(out)
	playback, err := relay.NewPlaybackScheduler(clock, func() (relay.Output, error) {
		return sink.newOutput(clock), nil
	})
	if err != nil {
		return err
	}
	defer playback.Close()

	events := newProbeEvents()
	client, err := relay.NewClient(opt.relayURL,
		relay.WithAPIKey(opt.apiKey),
		relay.WithUserID(opt.userID),
		relay.WithInit(protocol.ClientInit{
			PromptType: opt.promptType,
			VoiceName:  opt.voiceName,
			Level:      opt.level,
		}),
		relay.WithPlayback(playback),
		relay.WithHandler(events.handler(logger)),
		relay.WithReconnect(2, 500*time.Millisecond, 2*time.Second),
		relay.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	select {
	case <-events.ready:
	case err := <-runErr:
		return fmt.Errorf("session ended before ready: %w", errOrEOF(err))
	case <-ctx.Done():
		return fmt.Errorf("waiting for ready: %w", ctx.Err())
	}
	logger.Info("session ready", "session_id", client.SessionID())

	if opt.text != "" {
		if err := client.SendText(opt.text); err != nil {
			return err
		}
	} else if err := streamBlocks(ctx, client, blocks, logger); err != nil {
		return err
	}

	select {
	case <-events.turnComplete:
	case err := <-runErr:
		return fmt.Errorf("session ended before the turn completed: %w", errOrEOF(err))
	case <-ctx.Done():
		return fmt.Errorf("waiting for turn_complete: %w", ctx.Err())
	}

	// Let queued audio reach the sink before stopping.
	for playback.Playing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	logger.Info("turn complete", "reply_bytes", sink.Written(), "output", opt.outputPCM)

	if err := client.Stop(); err != nil && !errors.Is(err, relay.ErrNotConnected) {
		return err
	}
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for stopped: %w", ctx.Err())
	}
	return nil
}

// streamBlocks paces blocks at capture speed, as a microphone would.
func streamBlocks(ctx context.Context, client *relay.Client, blocks [][]float32, logger *slog.Logger) error {
	if err := client.StartStream(); err != nil {
		return err
	}
	var sendErr error
	enc := relay.NewCaptureEncoder(func(c live.Chunk) {
		if err := client.SendAudio(c); err != nil && sendErr == nil {
			sendErr = err
		}
	})
	for i, block := range blocks {
		enc.Process(block)
		if sendErr != nil {
			return fmt.Errorf("send block %d: %w", i, sendErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(blockDuration(len(block), enc.Format())):
		}
	}
	logger.Debug("microphone stream finished", "blocks", len(blocks))
	return client.EndStream(map[string]int{"blocks": len(blocks)})
}

func loadInput(opt options) ([][]float32, error) {
	if opt.inputPCM == "" {
		return splitBlocks(tone(440, time.Duration(opt.toneMS)*time.Millisecond, live.CaptureSampleRate), opt.blockSize), nil
	}
	f, err := os.Open(opt.inputPCM)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	pcm, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(pcm) < 2 {
		return nil, errors.New("input file holds no samples")
	}
	return splitBlocks(live.PCM16ToFloat(pcm), opt.blockSize), nil
}

func splitBlocks(samples []float32, size int) [][]float32 {
	var blocks [][]float32
	for len(samples) > 0 {
		n := min(size, len(samples))
		blocks = append(blocks, samples[:n])
		samples = samples[n:]
	}
	return blocks
}

func tone(freqHz float64, d time.Duration, rate int) []float32 {
	n := int(d.Seconds() * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*freqHz*float64(i)/float64(rate)))
	}
	return out
}

func blockDuration(samples int, f live.Format) time.Duration {
	return f.Duration(samples * f.BitsPerSample / 8)
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
