// Package media drives the command-line tools that download, mix and render
// the pipeline's video artefacts.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/adapters/banana"
	"video-pipeline/internal/infra/logging"
)

var (
	_ adapter.Downloader        = (*Tools)(nil)
	_ adapter.AudioCombiner     = (*Tools)(nil)
	_ adapter.SubtitleGenerator = (*Tools)(nil)
	_ adapter.Renderer          = (*Tools)(nil)
)

// Files produced in the working folder.
const (
	VideoFile     = "video.mp4"
	AudioListFile = "list.txt"
	CombinedFile  = "combined.wav"
	SubtitlesFile = "subtitles.ass"
	OutputFile    = "output.mp4"
)

// Argument templates. Each element is rendered with argData.
var (
	DefaultDownloadArgs = []string{"-f", "mp4", "-o", "{{.Video}}", "{{.URL}}"}
	DefaultCombineArgs  = []string{"-y", "-f", "concat", "-safe", "0", "-i", "{{.AudioList}}", "-c", "copy", "{{.Audio}}"}
	DefaultRenderArgs   = []string{
		"-y", "-i", "{{.Video}}", "-i", "{{.Audio}}",
		"-vf", "subtitles={{.Subtitles}}",
		"-map", "0:v", "-map", "1:a",
		"-c:v", "libx264", "-c:a", "aac", "-shortest",
		"{{.Output}}",
	}
)

type Config struct {
	YtDlpPath    string
	FFmpegPath   string
	DownloadArgs []string
	CombineArgs  []string
	RenderArgs   []string
}

type argData struct {
	ExternalID string
	URL        string
	Folder     string
	Video      string
	AudioList  string
	Audio      string
	Subtitles  string
	Output     string
}

func newArgData(folder, externalID string) argData {
	d := argData{
		ExternalID: externalID,
		Folder:     folder,
		Video:      filepath.Join(folder, VideoFile),
		AudioList:  filepath.Join(folder, AudioListFile),
		Audio:      filepath.Join(folder, CombinedFile),
		Subtitles:  filepath.Join(folder, SubtitlesFile),
		Output:     filepath.Join(folder, OutputFile),
	}
	if externalID != "" {
		d.URL = "https://www.youtube.com/watch?v=" + externalID
	}
	return d
}

// Tools runs yt-dlp and ffmpeg for the download, combine and render steps
// and writes subtitles from the narration.
type Tools struct {
	cfg    Config
	runner commandRunner
	log    *zerolog.Logger
}

func NewTools(cfg Config, logger *zerolog.Logger) *Tools {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if len(cfg.DownloadArgs) == 0 {
		cfg.DownloadArgs = DefaultDownloadArgs
	}
	if len(cfg.CombineArgs) == 0 {
		cfg.CombineArgs = DefaultCombineArgs
	}
	if len(cfg.RenderArgs) == 0 {
		cfg.RenderArgs = DefaultRenderArgs
	}
	return &Tools{cfg: cfg, runner: execRunner{}, log: logging.Component(logger, "media")}
}

// Download fetches the source video unless it is already present.
func (t *Tools) Download(ctx context.Context, externalID, workingFolder string) error {
	data := newArgData(workingFolder, externalID)
	if exists(data.Video) {
		t.log.Debug().Str("file", data.Video).Msg("video already downloaded")
		return nil
	}
	return t.run(ctx, "download", t.cfg.YtDlpPath, t.cfg.DownloadArgs, data)
}

// Combine concatenates the per-segment clips, in index order, into one track.
func (t *Tools) Combine(ctx context.Context, workingFolder string) error {
	clips, err := filepath.Glob(filepath.Join(workingFolder, banana.AudioDir, "*.wav"))
	if err != nil {
		return err
	}
	if len(clips) == 0 {
		return fmt.Errorf("combine: no audio clips in %s", filepath.Join(workingFolder, banana.AudioDir))
	}
	sort.Strings(clips)

	data := newArgData(workingFolder, "")
	var list strings.Builder
	for _, clip := range clips {
		abs, err := filepath.Abs(clip)
		if err != nil {
			return err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(data.AudioList, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("combine: write list: %w", err)
	}
	return t.run(ctx, "combine", t.cfg.FFmpegPath, t.cfg.CombineArgs, data)
}

// Render muxes video, narration and burned-in subtitles into the output file.
func (t *Tools) Render(ctx context.Context, workingFolder string) error {
	data := newArgData(workingFolder, "")
	for _, f := range []string{data.Video, data.Audio, data.Subtitles} {
		if !exists(f) {
			return fmt.Errorf("render: missing input %s", f)
		}
	}
	return t.run(ctx, "render", t.cfg.FFmpegPath, t.cfg.RenderArgs, data)
}

func (t *Tools) run(ctx context.Context, stage, name string, tmpl []string, data argData) error {
	args, err := renderArgs(tmpl, data)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	log := logging.With(ctx, t.log)
	start := time.Now()
	res, err := t.runner.Run(ctx, name, args...)
	if err != nil {
		log.Error().Err(err).Str("stage", stage).Int("exit", res.ExitCode).Str("stderr", lastLine(res.Stderr)).Msg("command failed")
		return &CommandError{Stage: stage, Log: res, Err: err}
	}
	log.Info().Str("stage", stage).Str("command", name).Dur("duration_ms", time.Since(start)).Msg("command finished")
	return nil
}

func renderArgs(tmpl []string, data argData) ([]string, error) {
	out := make([]string, 0, len(tmpl))
	for i, a := range tmpl {
		if !strings.Contains(a, "{{") {
			out = append(out, a)
			continue
		}
		t, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
