package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// profile is the YAML overlay shape. Secrets are intentionally absent; they
// only enter through the environment.
type profile struct {
	Port           string `yaml:"port"`
	Env            string `yaml:"env"`
	LogLevel       string `yaml:"log_level"`
	BackendURL     string `yaml:"backend_url"`
	AuthIssuer     string `yaml:"auth_issuer"`
	AuthAudience   string `yaml:"auth_audience"`
	PublicOrigin   string `yaml:"public_origin"`
	LLMBaseURL     string `yaml:"llm_base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbedModel     string `yaml:"embed_model"`
	VectorIndexURL string `yaml:"vector_index_url"`
	RedisAddr      string `yaml:"redis_addr"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

func applyProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}

	apply := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	apply(&cfg.Port, p.Port)
	apply(&cfg.Env, p.Env)
	apply(&cfg.LogLevel, p.LogLevel)
	apply(&cfg.BackendURL, p.BackendURL)
	apply(&cfg.AuthIssuer, p.AuthIssuer)
	apply(&cfg.AuthAudience, p.AuthAudience)
	apply(&cfg.PublicOrigin, p.PublicOrigin)
	apply(&cfg.LLMBaseURL, p.LLMBaseURL)
	apply(&cfg.ChatModel, p.ChatModel)
	apply(&cfg.EmbedModel, p.EmbedModel)
	apply(&cfg.VectorIndexURL, p.VectorIndexURL)
	apply(&cfg.RedisAddr, p.RedisAddr)
	apply(&cfg.OTLPEndpoint, p.OTLPEndpoint)

	return nil
}
