package adapter

import "context"

type TranscribeOptions struct {
	Language        string
	SegmentLength   int
	SceneThreshold  float64
	MinimumInterval float64
	FixedInterval   float64
	Translate       bool
	Text2Speech     bool
	GetVideo        bool
}

// Transcriber submits a video for transcription and returns the working folder.
type Transcriber interface {
	Transcribe(ctx context.Context, externalID string, opts TranscribeOptions) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, externalID, workingFolder string) error
}

type ContextGenerator interface {
	GenerateContext(ctx context.Context, workingFolder string, stream bool) error
}

type AudioSynthesizer interface {
	Synthesize(ctx context.Context, workingFolder, voice string) error
}

type AudioCombiner interface {
	Combine(ctx context.Context, workingFolder string) error
}

type SubtitleGenerator interface {
	GenerateSubtitles(ctx context.Context, workingFolder string) error
}

type Renderer interface {
	Render(ctx context.Context, workingFolder string) error
}
