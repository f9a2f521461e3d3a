package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/abadojack/whatlanggo"
	"go.uber.org/zap"
)

// Engine names accepted by CommandConfig.Engine.
const (
	EngineAuto     = "auto"
	EngineEspeakNG = "espeak-ng"
	EngineEspeak   = "espeak"
	EngineSay      = "say"
)

// CommandConfig selects and tunes an external speech program.
type CommandConfig struct {
	// Engine is one of the Engine constants. Auto tries espeak-ng, espeak,
	// then say.
	Engine string
	// Voice is passed to the engine as is. Empty means the engine default.
	Voice string
	// AutoVoice picks an espeak voice from the detected language of each
	// unit when Voice is empty.
	AutoVoice bool
	Logger    *zap.Logger
}

type commandRunner func(ctx context.Context, bin string, args []string, stdin string) error

// CommandSynth drives espeak, espeak-ng, or macOS say through os/exec.
type CommandSynth struct {
	cfg      CommandConfig
	logger   *zap.Logger
	lookPath func(string) (string, error)
	run      commandRunner

	mu       sync.RWMutex
	bin      string
	engine   string
	settings Settings
}

// NewCommandSynth returns an uninitialized CommandSynth.
func NewCommandSynth(cfg CommandConfig) *CommandSynth {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineAuto
	}
	return &CommandSynth{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func (c *CommandSynth) candidates() []string {
	if c.cfg.Engine == EngineAuto {
		return []string{EngineEspeakNG, EngineEspeak, EngineSay}
	}
	return []string{c.cfg.Engine}
}

// Init locates the engine binary. A missing binary is reported as
// ErrUnavailable.
func (c *CommandSynth) Init(_ context.Context, s Settings) error {
	tried := c.candidates()
	for _, name := range tried {
		bin, err := c.lookPath(name)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.bin, c.engine, c.settings = bin, name, s
		c.mu.Unlock()
		c.logger.Info("speech engine ready",
			zap.String("engine", name),
			zap.String("path", bin),
			zap.Int("rate", s.Rate),
			zap.Float64("volume", s.Volume),
		)
		return nil
	}
	return fmt.Errorf("%w: no engine found (tried %s)", ErrUnavailable, strings.Join(tried, ", "))
}

// Speak plays text and returns when the engine exits.
func (c *CommandSynth) Speak(ctx context.Context, text string) error {
	return c.invoke(ctx, text, "")
}

// SpeakToFile renders text into an audio file at path. espeak writes WAV and
// say writes AIFF.
func (c *CommandSynth) SpeakToFile(ctx context.Context, text, path string) error {
	if path == "" {
		return errors.New("speak to file: empty path")
	}
	return c.invoke(ctx, text, path)
}

// AudioFormat implements FormatReporter. It is zero until Init has picked an
// engine.
func (c *CommandSynth) AudioFormat() AudioFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.engine {
	case "":
		return AudioFormat{}
	case EngineSay:
		return AudioFormat{Ext: ".aiff", ContentType: "audio/aiff"}
	default:
		return AudioFormat{Ext: ".wav", ContentType: "audio/wav"}
	}
}

// Close implements Synthesizer. Each call runs its own process, so there is
// nothing to release.
func (c *CommandSynth) Close() error {
	return nil
}

func (c *CommandSynth) invoke(ctx context.Context, text, outPath string) error {
	c.mu.RLock()
	bin, engine, settings := c.bin, c.engine, c.settings
	c.mu.RUnlock()
	if bin == "" {
		return fmt.Errorf("%w: engine not initialized", ErrUnavailable)
	}
	args, stdin := c.buildArgs(engine, settings, text, outPath)
	if err := c.run(ctx, bin, args, stdin); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("run %s: %w", engine, err)
	}
	return nil
}

// buildArgs returns the engine arguments and the text to feed on stdin. Text
// never goes on the command line, so a unit starting with "-" is not read as
// a flag.
func (c *CommandSynth) buildArgs(engine string, s Settings, text, outPath string) ([]string, string) {
	if engine == EngineSay {
		args := []string{"-f", "-"}
		if s.Rate > 0 {
			args = append(args, "-r", strconv.Itoa(s.Rate))
		}
		if c.cfg.Voice != "" {
			args = append(args, "-v", c.cfg.Voice)
		}
		if outPath != "" {
			args = append(args, "-o", outPath)
		}
		// say has no volume flag; it honors an embedded command instead.
		return args, fmt.Sprintf("[[volm %.2f]] %s", clampVolume(s.Volume), text)
	}

	args := []string{"--stdin"}
	if s.Rate > 0 {
		args = append(args, "-s", strconv.Itoa(s.Rate))
	}
	args = append(args, "-a", strconv.Itoa(amplitude(s.Volume)))
	if voice := c.voiceFor(text); voice != "" {
		args = append(args, "-v", voice)
	}
	if outPath != "" {
		args = append(args, "-w", outPath)
	}
	return args, text
}

func (c *CommandSynth) voiceFor(text string) string {
	if c.cfg.Voice != "" || !c.cfg.AutoVoice {
		return c.cfg.Voice
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

// amplitude maps a 0.0-1.0 volume onto espeak's 0-200 amplitude scale.
func amplitude(volume float64) int {
	return int(math.Round(clampVolume(volume) * 200))
}

func clampVolume(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func runCommand(ctx context.Context, bin string, args []string, stdin string) error {
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- binary resolved from a fixed allow list.
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
