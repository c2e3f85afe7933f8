package media

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/infra/adapters/banana"
)

// fakeRunner records invocations and delegates outcomes.
type fakeRunner struct {
	calls [][]string
	run   func(name string, args []string) (CommandLog, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (CommandLog, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.run == nil {
		return CommandLog{Command: name, Args: args}, nil
	}
	return f.run(name, args)
}

func newTestTools(r commandRunner) *Tools {
	logger := zerolog.Nop()
	t := NewTools(Config{YtDlpPath: "yt", FFmpegPath: "ff"}, &logger)
	t.runner = r
	return t
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// wav builds a 16-bit mono PCM file of the given length at 8 kHz.
func wav(d time.Duration) []byte {
	const rate = 8000
	dataLen := uint32(d.Seconds() * rate * 2)
	b := make([]byte, 44+int(dataLen))
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], 36+dataLen)
	copy(b[8:], "WAVE")
	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1)
	binary.LittleEndian.PutUint16(b[22:], 1)
	binary.LittleEndian.PutUint32(b[24:], rate)
	binary.LittleEndian.PutUint32(b[28:], rate*2)
	binary.LittleEndian.PutUint16(b[32:], 2)
	binary.LittleEndian.PutUint16(b[34:], 16)
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], dataLen)
	return b
}

func TestDownload_RendersArgsAndSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	tools := newTestTools(r)

	if err := tools.Download(context.Background(), "abc", dir); err != nil {
		t.Fatalf("download: %v", err)
	}
	want := []string{"yt", "-f", "mp4", "-o", filepath.Join(dir, VideoFile), "https://www.youtube.com/watch?v=abc"}
	if len(r.calls) != 1 || strings.Join(r.calls[0], " ") != strings.Join(want, " ") {
		t.Fatalf("calls = %v, want %v", r.calls, want)
	}

	mustWriteFile(t, filepath.Join(dir, VideoFile), []byte("mp4"))
	if err := tools.Download(context.Background(), "abc", dir); err != nil {
		t.Fatalf("second download: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("existing video should not be fetched again, calls = %d", len(r.calls))
	}
}

func TestCombine_WritesOrderedList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002.wav", "000.wav", "001.wav"} {
		mustWriteFile(t, filepath.Join(dir, banana.AudioDir, name), wav(time.Second))
	}
	r := &fakeRunner{}
	if err := newTestTools(r).Combine(context.Background(), dir); err != nil {
		t.Fatalf("combine: %v", err)
	}

	list, err := os.ReadFile(filepath.Join(dir, AudioListFile))
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(list)), "\n")
	if len(lines) != 3 || !strings.HasSuffix(lines[0], "000.wav'") || !strings.HasSuffix(lines[2], "002.wav'") {
		t.Fatalf("unexpected list:\n%s", list)
	}
	args := r.calls[0]
	if args[0] != "ff" || args[len(args)-1] != filepath.Join(dir, CombinedFile) {
		t.Fatalf("unexpected ffmpeg call: %v", args)
	}
}

func TestCombine_NoClips(t *testing.T) {
	if err := newTestTools(&fakeRunner{}).Combine(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("expected error without clips")
	}
}

func TestRender_CommandFailure(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{VideoFile, CombinedFile, SubtitlesFile} {
		mustWriteFile(t, filepath.Join(dir, f), []byte("x"))
	}
	boom := errors.New("exit status 1")
	r := &fakeRunner{run: func(name string, args []string) (CommandLog, error) {
		return CommandLog{Command: name, ExitCode: 1, Stderr: "frame=1\nInvalid data found\n"}, boom
	}}

	err := newTestTools(r).Render(context.Background(), dir)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Stage != "render" || cmdErr.Log.ExitCode != 1 || !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %+v", cmdErr)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("error should carry stderr tail: %v", err)
	}
}

func TestRender_MissingInput(t *testing.T) {
	r := &fakeRunner{}
	if err := newTestTools(r).Render(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("expected error for missing inputs")
	}
	if len(r.calls) != 0 {
		t.Fatalf("ffmpeg must not run without inputs")
	}
}

func TestGenerateSubtitles_FollowsClipLengths(t *testing.T) {
	dir := t.TempDir()
	entries := []model.ContextEntry{{Response: "First  line."}, {Response: "Second\nline."}}
	data, _ := json.Marshal(entries)
	mustWriteFile(t, filepath.Join(dir, model.ContextFile), data)
	mustWriteFile(t, banana.AudioPath(dir, 0), wav(1500*time.Millisecond))
	mustWriteFile(t, banana.AudioPath(dir, 1), wav(2*time.Second))

	if err := newTestTools(&fakeRunner{}).GenerateSubtitles(context.Background(), dir); err != nil {
		t.Fatalf("subtitles: %v", err)
	}
	out, err := os.ReadFile(filepath.Join(dir, SubtitlesFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		"Dialogue: 0,0:00:00.00,0:00:01.50,Default,,0,0,0,,First line.",
		"Dialogue: 0,0:00:01.50,0:00:03.50,Default,,0,0,0,,Second line.",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}

func TestWAVDuration_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	mustWriteFile(t, path, []byte("not a wave file"))
	if _, err := WAVDuration(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAssTimestamp(t *testing.T) {
	if got := assTimestamp(time.Hour + 2*time.Minute + 3*time.Second + 450*time.Millisecond); got != "1:02:03.45" {
		t.Fatalf("assTimestamp = %q", got)
	}
}
