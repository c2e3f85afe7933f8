package adapter

import "context"

// SamplerSettings are passed through to the generation backend.
type SamplerSettings struct {
	MaxLength        int      `json:"max_length" yaml:"max_length"`
	MaxContextLength int      `json:"max_context_length" yaml:"max_context_length"`
	Temperature      float64  `json:"temperature" yaml:"temperature"`
	TopK             int      `json:"top_k" yaml:"top_k"`
	TopP             float64  `json:"top_p" yaml:"top_p"`
	Typical          float64  `json:"typical" yaml:"typical"`
	MinP             float64  `json:"min_p" yaml:"min_p"`
	TopA             float64  `json:"top_a" yaml:"top_a"`
	TFS              float64  `json:"tfs" yaml:"tfs"`
	RepPen           float64  `json:"rep_pen" yaml:"rep_pen"`
	RepPenRange      int      `json:"rep_pen_range" yaml:"rep_pen_range"`
	StopSequence     []string `json:"stop_sequence" yaml:"stop_sequence"`
}

type GenerateRequest struct {
	Prompt string
	// Images are base64 encoded.
	Images   []string
	Stream   bool
	Settings SamplerSettings
}

// Generator produces text for a prompt. When the request is streamed,
// onToken is called once per token in arrival order; otherwise it is
// called once with the whole text. onToken may be nil.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onToken func(string)) (string, error)
}

// Aborter asks the backend to stop an in-flight generation.
type Aborter interface {
	Abort(ctx context.Context) error
}
