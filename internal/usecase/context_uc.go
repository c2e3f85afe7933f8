// File: internal/usecase/context_uc.go
package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ContextGenerator = (*ContextUseCase)(nil)

// TokenCounter measures prompt size against the context budget.
type TokenCounter interface {
	Count(text string) int
}

// InstructTemplate controls how history turns are framed in the prompt.
type InstructTemplate struct {
	StoryString         string `yaml:"story_string"`
	SystemPrompt        string `yaml:"system_prompt"`
	FirstMessage        string `yaml:"first_message"`
	InputSequence       string `yaml:"input_sequence"`
	InputSuffix         string `yaml:"input_suffix"`
	OutputSequence      string `yaml:"output_sequence"`
	OutputSuffix        string `yaml:"output_suffix"`
	FirstOutputSequence string `yaml:"first_output_sequence"`
	LastOutputSequence  string `yaml:"last_output_sequence"`
	StopSequence        string `yaml:"stop_sequence"`
}

func DefaultInstructTemplate() InstructTemplate {
	return InstructTemplate{
		StoryString:         "{{.System}}\n",
		SystemPrompt:        "You are {{.Char}}, narrating a video for {{.User}} one scene at a time. Describe each scene in a few complete sentences.",
		FirstMessage:        "Ready when you are.",
		InputSequence:       "### Instruction:",
		OutputSequence:      "### Response:",
		FirstOutputSequence: "### Response:",
	}
}

type ContextUseCase struct {
	gen      adapter.Generator
	tokens   TokenCounter
	tmpl     InstructTemplate
	user     string
	char     string
	settings adapter.SamplerSettings
	log      *zerolog.Logger
}

func NewContextUseCase(
	gen adapter.Generator,
	tokens TokenCounter,
	tmpl InstructTemplate,
	user, char string,
	settings adapter.SamplerSettings,
	logger *zerolog.Logger,
) *ContextUseCase {
	l := logger.With().Str("component", "context").Logger()
	return &ContextUseCase{
		gen:      gen,
		tokens:   tokens,
		tmpl:     tmpl,
		user:     user,
		char:     char,
		settings: settings,
		log:      &l,
	}
}

type turn struct {
	role    string // user | assistant
	content string
}

// GenerateContext narrates every transcript segment of the folder in order
// and writes the result to context.json.
func (c *ContextUseCase) GenerateContext(ctx context.Context, workingFolder string, stream bool) error {
	segments, err := LoadTranscript(workingFolder)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("transcript in %s has no segments: %w", workingFolder, domain.ErrInvalidArgument)
	}

	story, err := c.render(c.tmpl.StoryString)
	if err != nil {
		return err
	}
	first, err := c.render(c.tmpl.FirstMessage)
	if err != nil {
		return err
	}
	settings := c.settings
	settings.StopSequence = c.stopSequences()

	history := []turn{{role: "assistant", content: first}}
	out := make([]model.ContextEntry, 0, len(segments))
	start := time.Now()

	for i, seg := range segments {
		history = append(history, turn{role: "user", content: seg.Text})
		prompt := c.formatPrompt(story, history, i == len(segments)-1, settings.MaxContextLength)

		req := adapter.GenerateRequest{Prompt: prompt, Stream: stream, Settings: settings}
		path, err := imagePath(workingFolder, seg.Image)
		if err != nil {
			return err
		}
		if img, err := encodeImage(path); err == nil {
			req.Images = []string{img}
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read image %s: %w", seg.Image, err)
		}

		text, err := c.gen.Generate(ctx, req, nil)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.Image, err)
		}
		text = CleanResponse(text, c.char)
		history = append(history, turn{role: "assistant", content: text})
		out = append(out, model.ContextEntry{Image: seg.Image, Prompt: seg.Text, Response: text, End: seg.End})
		c.log.Debug().Str("image", seg.Image).Int("chars", len(text)).Msg("segment narrated")
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workingFolder, model.ContextFile), data, 0o644); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	c.log.Info().Str("folder", workingFolder).Int("segments", len(out)).Dur("duration_ms", time.Since(start)).Msg("context generated")
	return nil
}

// formatPrompt keeps the story string and as much recent history as fits in maxTokens.
func (c *ContextUseCase) formatPrompt(story string, history []turn, last bool, maxTokens int) string {
	t := c.tmpl
	used := c.tokens.Count(story)
	tail := t.OutputSequence + "\n" + c.char + ": "
	if last && t.LastOutputSequence != "" {
		tail = t.LastOutputSequence + "\n" + c.char + ": "
	}
	used += c.tokens.Count(tail)

	var parts []string
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		var item string
		switch {
		case h.role == "user":
			item = fmt.Sprintf("%s\n%s: %s%s\n", t.InputSequence, c.user, h.content, t.InputSuffix)
		case i == 0:
			item = fmt.Sprintf("%s\n%s: %s\n", t.FirstOutputSequence, c.char, h.content)
		default:
			item = fmt.Sprintf("%s\n%s: %s%s\n", t.OutputSequence, c.char, h.content, t.OutputSuffix)
		}
		n := c.tokens.Count(item)
		if maxTokens > 0 && used+n > maxTokens {
			break
		}
		used += n
		parts = append(parts, item)
	}

	var b strings.Builder
	b.WriteString(story)
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	b.WriteString(tail)
	return b.String()
}

func (c *ContextUseCase) stopSequences() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(c.tmpl.InputSequence)
	add(c.tmpl.StopSequence)
	add(c.user + ":")
	for _, s := range c.settings.StopSequence {
		add(s)
	}
	return out
}

func (c *ContextUseCase) render(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	data := struct{ Char, User, System string }{Char: c.char, User: c.user}
	sys, err := execTemplate("system", c.tmpl.SystemPrompt, data)
	if err != nil {
		return "", err
	}
	data.System = sys
	return execTemplate("prompt", text, data)
}

func execTemplate(name, text string, data any) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// CleanResponse strips instruct markers, commas and a trailing blank line,
// drops a leading speaker prefix and cuts the text after the last complete sentence.
func CleanResponse(text, char string) string {
	text = strings.ReplaceAll(text, "###", "")
	text = strings.TrimSuffix(text, "\n\n")
	text = strings.ReplaceAll(text, ",", "")
	text = strings.TrimSpace(text)
	if char != "" {
		text = strings.TrimPrefix(text, char+": ")
	}
	return CutUnfinishedSentence(text)
}

// CutUnfinishedSentence returns text up to its last '.', '!' or '?'.
// Text without any terminator is returned unchanged.
func CutUnfinishedSentence(text string) string {
	if i := strings.LastIndexAny(text, ".!?"); i >= 0 {
		return strings.TrimSpace(text[:i+1])
	}
	return text
}

// imagePath resolves a transcript key inside workingFolder. Keys come from the
// transcription service and must not name files outside the folder.
func imagePath(workingFolder, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("image %q escapes the working folder: %w", name, domain.ErrInvalidArgument)
	}
	return filepath.Join(workingFolder, name), nil
}

func encodeImage(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Segment is one transcript entry keyed by its storyboard image.
type Segment struct {
	Image string
	Text  string
	End   float64
}

// LoadTranscript reads <folder>/<base>.json in document order. Values are
// either a list of strings or an object with timed segments.
func LoadTranscript(workingFolder string) ([]Segment, error) {
	base := filepath.Base(workingFolder)
	f, err := os.Open(filepath.Join(workingFolder, base+".json"))
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	defer f.Close()
	fields, err := model.ReadFields(f)
	if err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}

	out := make([]Segment, 0, len(fields))
	for _, fld := range fields {
		k := fld.Key
		seg := Segment{Image: k}
		var lines []string
		if err := json.Unmarshal(fld.Value, &lines); err == nil {
			seg.Text = strings.TrimSpace(strings.Join(lines, " "))
		} else {
			var timed struct {
				Segments []struct {
					Text string  `json:"text"`
					End  float64 `json:"end"`
				} `json:"segments"`
			}
			if err := json.Unmarshal(fld.Value, &timed); err != nil {
				return nil, fmt.Errorf("decode segment %s: %w", k, err)
			}
			texts := make([]string, 0, len(timed.Segments))
			for _, s := range timed.Segments {
				texts = append(texts, strings.TrimSpace(s.Text))
				seg.End = s.End
			}
			seg.Text = strings.Join(texts, " ")
		}
		if seg.Text != "" {
			out = append(out, seg)
		}
	}
	return out, nil
}
