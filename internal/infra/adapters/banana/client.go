// Package banana is the client of the transcription and text-to-speech service.
package banana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/infra/logging"
)

var (
	_ adapter.Transcriber      = (*Client)(nil)
	_ adapter.AudioSynthesizer = (*Client)(nil)
)

const (
	DefaultVoice = "reference"

	// AudioDir holds one clip per narrated segment, named by index.
	AudioDir = "audio"

	baseFilenameHeader = "Base-Filename"
	videoURLPrefix     = "https://www.youtube.com/watch?v="
)

type Client struct {
	base       string
	contextDir string
	http       *http.Client
	log        *zerolog.Logger
}

// NewClient builds a client. Transcriptions are unpacked below contextDir.
func NewClient(apiServer, contextDir string, timeout time.Duration, logger *zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		base:       strings.TrimRight(apiServer, "/"),
		contextDir: contextDir,
		http:       &http.Client{Timeout: timeout},
		log:        logging.Component(logger, "banana"),
	}
}

// AudioPath is the clip written for the i-th narrated segment.
func AudioPath(workingFolder string, i int) string {
	return filepath.Join(workingFolder, AudioDir, fmt.Sprintf("%03d.wav", i))
}

// Transcribe submits the video and unpacks the multipart answer into a new
// working folder: files are stored as sent and JSON fields are merged into
// <base>/<base>.json.
func (c *Client) Transcribe(ctx context.Context, externalID string, opts adapter.TranscribeOptions) (string, error) {
	body, contentType, err := transcribeForm(externalID, opts)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/transcribe/url", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("banana: transcribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", upstreamError(resp)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("banana: response content type: %w", err)
	}

	var base string
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		base, err = safeName(resp.Header.Get(baseFilenameHeader))
		if err != nil {
			return "", err
		}
		if err := c.unpack(multipart.NewReader(resp.Body, params["boundary"]), base); err != nil {
			return "", err
		}
	case mediaType == "application/json":
		var out struct {
			FolderPath string `json:"folderPath"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("banana: decode response: %w", err)
		}
		if base, err = safeName(out.FolderPath); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("banana: unexpected content type %q", mediaType)
	}

	folder := filepath.Join(c.contextDir, base)
	c.log.Info().Str("external_id", externalID).Str("folder", folder).Dur("duration_ms", time.Since(start)).Msg("transcription stored")
	return folder, nil
}

func transcribeForm(externalID string, opts adapter.TranscribeOptions) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"url", videoURLPrefix + externalID},
		{"language", opts.Language},
		{"text2speech", strconv.FormatBool(opts.Text2Speech)},
		{"segment_length", strconv.Itoa(opts.SegmentLength)},
		{"translate", strconv.FormatBool(opts.Translate)},
		{"get_video", strconv.FormatBool(opts.GetVideo)},
	}
	if opts.SceneThreshold > 0 {
		fields = append(fields, [2]string{"scene_threshold", strconv.FormatFloat(opts.SceneThreshold, 'f', -1, 64)})
	}
	if opts.MinimumInterval > 0 {
		fields = append(fields, [2]string{"minimum_interval", strconv.FormatFloat(opts.MinimumInterval, 'f', -1, 64)})
	}
	if opts.FixedInterval > 0 {
		fields = append(fields, [2]string{"fixed_interval", strconv.FormatFloat(opts.FixedInterval, 'f', -1, 64)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) unpack(mr *multipart.Reader, base string) error {
	folder := filepath.Join(c.contextDir, base)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("banana: create folder: %w", err)
	}

	var combined []model.Field
	files := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("banana: read multipart: %w", err)
		}
		if part.FileName() != "" {
			name, err := safeName(part.FileName())
			if err != nil {
				return err
			}
			if err := writeFile(filepath.Join(folder, name), part); err != nil {
				return err
			}
			files++
			continue
		}
		fields, err := model.ReadFields(part)
		if err != nil {
			return fmt.Errorf("banana: field %s: %w", part.FormName(), err)
		}
		if combined, err = model.MergeFields(combined, fields); err != nil {
			return fmt.Errorf("banana: field %s: %w", part.FormName(), err)
		}
	}

	data, err := model.MarshalFields(combined)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(folder, base+".json"), data, 0o644); err != nil {
		return fmt.Errorf("banana: write transcript: %w", err)
	}
	c.log.Debug().Str("folder", folder).Int("files", files).Int("keys", len(combined)).Msg("multipart unpacked")
	return nil
}

// Synthesize renders one clip per narrated segment. Clips already on disk
// are kept, so a retried job only fetches what is missing.
func (c *Client) Synthesize(ctx context.Context, workingFolder, voice string) error {
	entries, err := model.LoadContext(workingFolder)
	if err != nil {
		return err
	}
	if voice == "" {
		voice = DefaultVoice
	}
	if err := os.MkdirAll(filepath.Join(workingFolder, AudioDir), 0o755); err != nil {
		return fmt.Errorf("banana: create audio folder: %w", err)
	}

	log := logging.With(ctx, c.log)
	for i, e := range entries {
		path := AudioPath(workingFolder, i)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := c.text2speech(ctx, e.Response, voice, path); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		log.Debug().Int("segment", i).Str("file", path).Msg("speech synthesized")
	}
	return nil
}

func (c *Client) text2speech(ctx context.Context, prompt, voice, path string) error {
	payload, err := json.Marshal(map[string]string{"prompt": prompt, "voice": voice})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/text2speech", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("banana: text2speech: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamError(resp)
	}
	return writeFile(path, resp.Body)
}

// writeFile streams r into path through a temp file so partial clips never remain.
func writeFile(path string, r io.Reader) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("banana: create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("banana: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func safeName(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("banana: missing or invalid name %q: %w", name, domain.ErrInvalidArgument)
	}
	return name, nil
}

func upstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return domain.NewUpstreamError(resp.StatusCode, strings.TrimSpace(string(raw)))
}
