// File: internal/usecase/step_registry.go
package usecase

import (
	"context"
	"fmt"

	"video-pipeline/internal/domain"
	"video-pipeline/internal/domain/model"
	"video-pipeline/internal/domain/ports/adapter"
	"video-pipeline/internal/domain/ports/repository"
	ucport "video-pipeline/internal/domain/ports/usecase"
)

// Compile-time check
var _ ucport.StepRunner = (*StepRegistry)(nil)

// StepRegistry maps every template step to the function that performs it.
// The map is fixed at construction.
type StepRegistry struct {
	handlers map[model.StepName]ucport.StepFunc
}

// NewStepRegistry fails unless every template step has a handler and no
// handler is registered for an unknown step.
func NewStepRegistry(handlers map[model.StepName]ucport.StepFunc) (*StepRegistry, error) {
	known := make(map[model.StepName]bool, len(model.StepTemplate))
	for _, name := range model.StepTemplate {
		known[name] = true
		if handlers[name] == nil {
			return nil, fmt.Errorf("step %s: %w", name, domain.ErrUnknownStep)
		}
	}
	for name := range handlers {
		if !known[name] {
			return nil, fmt.Errorf("handler for unknown step %q: %w", name, domain.ErrInvalidArgument)
		}
	}
	cp := make(map[model.StepName]ucport.StepFunc, len(handlers))
	for k, v := range handlers {
		cp[k] = v
	}
	return &StepRegistry{handlers: cp}, nil
}

func (r *StepRegistry) Run(ctx context.Context, step model.StepName, in ucport.StepInput) error {
	fn, ok := r.handlers[step]
	if !ok {
		return fmt.Errorf("step %s: %w", step, domain.ErrUnknownStep)
	}
	return fn(ctx, in)
}

// Collaborators are the external services behind the pipeline steps.
type Collaborators struct {
	Store       repository.JobStore
	Transcriber adapter.Transcriber
	Downloader  adapter.Downloader
	Context     adapter.ContextGenerator
	Synthesizer adapter.AudioSynthesizer
	Combiner    adapter.AudioCombiner
	Subtitles   adapter.SubtitleGenerator
	Renderer    adapter.Renderer

	TranscribeOptions adapter.TranscribeOptions
	Voice             string
	Stream            bool
}

// Settings keys understood by the pipeline steps. Values override the
// collaborator defaults for a single run.
const (
	SettingVoice  = "voice"
	SettingStream = "stream"
)

// NewPipelineRegistry wires the standard pipeline.
func NewPipelineRegistry(c Collaborators) (*StepRegistry, error) {
	return NewStepRegistry(map[model.StepName]ucport.StepFunc{
		model.StepTranscribe: func(ctx context.Context, in ucport.StepInput) error {
			folder, err := c.Transcriber.Transcribe(ctx, in.ExternalID, c.TranscribeOptions)
			if err != nil {
				return fmt.Errorf("transcribe: %w", err)
			}
			return c.Store.UpdateJob(ctx, in.JobID, func(j *model.Job) { j.WorkingFolder = folder })
		},
		model.StepDownload: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			return c.Downloader.Download(ctx, in.ExternalID, in.WorkingFolder)
		}),
		model.StepProcessContext: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			stream := c.Stream
			if v, ok := in.Settings[SettingStream]; ok {
				stream = v == "true"
			}
			return c.Context.GenerateContext(ctx, in.WorkingFolder, stream)
		}),
		model.StepGenerateAudio: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			voice := c.Voice
			if v := in.Settings[SettingVoice]; v != "" {
				voice = v
			}
			return c.Synthesizer.Synthesize(ctx, in.WorkingFolder, voice)
		}),
		model.StepCombineAudio: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			return c.Combiner.Combine(ctx, in.WorkingFolder)
		}),
		model.StepGenerateSubs: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			return c.Subtitles.GenerateSubtitles(ctx, in.WorkingFolder)
		}),
		model.StepRender: withFolder(func(ctx context.Context, in ucport.StepInput) error {
			return c.Renderer.Render(ctx, in.WorkingFolder)
		}),
	})
}

// withFolder guards steps that need the folder produced by Transcribe.
func withFolder(fn ucport.StepFunc) ucport.StepFunc {
	return func(ctx context.Context, in ucport.StepInput) error {
		if in.WorkingFolder == "" {
			return fmt.Errorf("working folder not set: %w", domain.ErrInvalidArgument)
		}
		return fn(ctx, in)
	}
}
