package main

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/coco/internal/agent"
	"github.com/suPer8Hu/coco/internal/ai"
	"github.com/suPer8Hu/coco/internal/config"
)

// newProviderRegistry registers every supported analysis backend; AI_PROVIDER picks one.
func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if model == "" {
			model = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if model == "" {
			model = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if model == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})

	return reg
}

// newAgentDialer picks the voice backend for AGENT_MODE. The local pipeline writes its
// live tips with the analysis provider, optionally on COACH_MODEL.
func newAgentDialer(ctx context.Context, cfg config.Config, reg *ai.Registry) (agent.Dialer, error) {
	switch cfg.AgentMode {
	case "", "elevenlabs":
		return agent.NewElevenLabs(agent.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			AgentID:      cfg.ElevenLabsAgentID,
			BaseWSURL:    cfg.ElevenLabsWSURL,
			WriteTimeout: cfg.WSWriteTimeout,
		}), nil
	case "openai":
		coach, err := reg.Get(ctx, cfg.AIProvider, cfg.CoachModel)
		if err != nil {
			return nil, err
		}
		return agent.NewOpenAIPipeline(agent.PipelineConfig{
			OpenAIBaseURL:      cfg.OpenAIBaseURL,
			OpenAIAPIKey:       cfg.OpenAIAPIKey,
			TranscribeModel:    cfg.TranscribeModel,
			Coach:              coach,
			ElevenLabsAPIKey:   cfg.ElevenLabsAPIKey,
			ElevenLabsAPIURL:   cfg.ElevenLabsAPIURL,
			VoiceID:            cfg.ElevenLabsVoiceID,
			TTSModel:           cfg.ElevenLabsTTSModel,
			ProcessInterval:    cfg.PipelineInterval,
			SuggestionInterval: cfg.SuggestionInterval,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", cfg.AgentMode)
	}
}
