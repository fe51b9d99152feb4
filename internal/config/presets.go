package config

import (
	"fmt"
	"os"
)

// Preset is one known model configuration. Presets fix the model name, its
// context size, and whether requests route through OpenRouter.
type Preset struct {
	Name          string
	Model         string
	ContextSize   int
	UseOpenRouter bool
}

// presets are the built-in model configurations, in display order.
var presets = []Preset{
	{Name: "gpt-3.5-turbo", Model: "gpt-3.5-turbo", ContextSize: 16385},
	{Name: "gpt-4", Model: "gpt-4", ContextSize: 8192},
	{Name: "gpt-4-turbo", Model: "gpt-4-turbo-preview", ContextSize: 128000},
	{Name: "gemini-flash-1.5-8b", Model: "google/gemini-flash-1.5-8b-exp", ContextSize: 1000000, UseOpenRouter: true},
	{Name: "gemini-flash-1.5", Model: "google/gemini-flash-1.5-exp", ContextSize: 1000000, UseOpenRouter: true},
	{Name: "gemini-pro-1.5", Model: "google/gemini-pro-1.5-exp", ContextSize: 2000000, UseOpenRouter: true},
	{Name: "gemma-2-9b", Model: "google/gemma-2-9b-it:free", ContextSize: 8192, UseOpenRouter: true},
}

// Presets returns the built-in model presets.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// FindPreset looks a preset up by name or by full model identifier.
func FindPreset(name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name || p.Model == name {
			return p, true
		}
	}
	return Preset{}, false
}

// applyPreset overlays preset values onto the LLM section. Fields the user
// set explicitly in the config file win over the preset; explicit reports
// whether a config key was present in the file.
func applyPreset(cfg *LLMConfig, explicit func(key string) bool) error {
	preset, ok := FindPreset(cfg.Preset)
	if !ok {
		return fmt.Errorf("unknown llm preset %q", cfg.Preset)
	}

	if !explicit("llm.model") {
		cfg.Model = preset.Model
	}
	if !explicit("llm.context_size") {
		cfg.ContextSize = preset.ContextSize
	}
	if !explicit("llm.use_openrouter") {
		cfg.UseOpenRouter = preset.UseOpenRouter
	}
	if preset.UseOpenRouter && cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return nil
}
