package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/infra/adapters/banana"
)

const assHeader = `[Script Info]
Title: Generated Subtitles
ScriptType: v4.00+
Collisions: Normal
PlayResX: 384
PlayResY: 288

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Default, Arial, 16, &H00FFFFFF, &H000000FF, &H00000000, &H80000000, 0, 0, 0, 0, 100, 100, 0, 0, 1, 1, 0, 2, 10, 10, 10, 1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`

// GenerateSubtitles writes one dialogue line per narrated segment. Lines
// follow the combined track: each lasts as long as its clip.
func (t *Tools) GenerateSubtitles(ctx context.Context, workingFolder string) error {
	entries, err := model.LoadContext(workingFolder)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(assHeader)
	var at time.Duration
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := WAVDuration(banana.AudioPath(workingFolder, i))
		if err != nil {
			return fmt.Errorf("subtitles: segment %d: %w", i, err)
		}
		text := strings.Join(strings.Fields(e.Response), " ")
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", assTimestamp(at), assTimestamp(at+d), text)
		at += d
	}

	path := filepath.Join(workingFolder, SubtitlesFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("subtitles: write: %w", err)
	}
	t.log.Info().Str("file", path).Int("lines", len(entries)).Dur("length", at).Msg("subtitles written")
	return nil
}

// assTimestamp formats d as H:MM:SS.cc.
func assTimestamp(d time.Duration) string {
	cs := d.Milliseconds() / 10
	h := cs / 360000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

// WAVDuration reads the RIFF header of a PCM wave file and returns its length.
func WAVDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, errors.New("not a RIFF/WAVE file")
	}

	var byteRate uint32
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return 0, fmt.Errorf("read chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if size < 16 {
				return 0, errors.New("short fmt chunk")
			}
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if _, err := f.Seek(int64(size-16+size%2), io.SeekCurrent); err != nil {
				return 0, err
			}
		case "data":
			if byteRate == 0 {
				return 0, errors.New("data chunk before fmt chunk")
			}
			return time.Duration(float64(size) / float64(byteRate) * float64(time.Second)), nil
		default:
			if _, err := f.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return 0, err
			}
		}
	}
}
