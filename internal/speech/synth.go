// Package speech delivers text units one at a time through a speech
// synthesizer, falling back to plain text output when synthesis is not
// available.
package speech

import (
	"context"
	"errors"
)

// ErrUnavailable means the synthesis engine is missing or unusable. Callers
// fall back to text output when they see it.
var ErrUnavailable = errors.New("speech synthesis unavailable")

// Settings are applied to a synthesizer when it is initialized.
type Settings struct {
	// Rate is the speaking rate in words per minute.
	Rate int
	// Volume is between 0.0 and 1.0.
	Volume float64
}

// Synthesizer renders text to audio. Speak blocks until playback ends.
type Synthesizer interface {
	Init(ctx context.Context, s Settings) error
	Speak(ctx context.Context, text string) error
	SpeakToFile(ctx context.Context, text, path string) error
	Close() error
}

// TextOnly is a Synthesizer that never produces audio. Init reports
// ErrUnavailable, so a Queue using it runs in plain output mode from the
// start.
type TextOnly struct{}

// Init implements Synthesizer.
func (TextOnly) Init(context.Context, Settings) error { return ErrUnavailable }

// Speak implements Synthesizer.
func (TextOnly) Speak(context.Context, string) error { return ErrUnavailable }

// SpeakToFile implements Synthesizer.
func (TextOnly) SpeakToFile(context.Context, string, string) error { return ErrUnavailable }

// Close implements Synthesizer.
func (TextOnly) Close() error { return nil }

// AudioFormat describes the file a synthesizer writes in SpeakToFile.
type AudioFormat struct {
	// Ext includes the leading dot.
	Ext         string
	ContentType string
}

// FormatReporter is implemented by synthesizers whose file output has a fixed
// format regardless of the requested file name.
type FormatReporter interface {
	AudioFormat() AudioFormat
}
