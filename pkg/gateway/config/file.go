package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay. Only the keys present in the file override
// defaults; secrets are intentionally env-only.
type fileConfig struct {
	Addr      *string `yaml:"addr"`
	MediaPath *string `yaml:"media_path"`
	Model     *string `yaml:"model"`

	STT struct {
		Model    *string `yaml:"model"`
		Language *string `yaml:"language"`
	} `yaml:"stt"`

	TTS struct {
		Model    *string `yaml:"model"`
		Voice    *string `yaml:"voice"`
		Language *string `yaml:"language"`
	} `yaml:"tts"`

	Policy struct {
		SoftWarning    *time.Duration `yaml:"soft_warning"`
		UrgentWarning  *time.Duration `yaml:"urgent_warning"`
		HardCutoff     *time.Duration `yaml:"hard_cutoff"`
		DrainGrace     *time.Duration `yaml:"drain_grace"`
		TurnTimeout    *time.Duration `yaml:"turn_timeout"`
		MaxReopens     *int           `yaml:"max_reopens"`
		MaxReplyTokens *int           `yaml:"max_reply_tokens"`
	} `yaml:"policy"`

	Prompts struct {
		System    *string `yaml:"system"`
		Opening   *string `yaml:"opening"`
		WrapUp    *string `yaml:"wrap_up"`
		FinishNow *string `yaml:"finish_now"`
	} `yaml:"prompts"`

	DebugEndpoints *bool `yaml:"debug_endpoints"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	set(&cfg.Addr, fc.Addr)
	set(&cfg.MediaPath, fc.MediaPath)
	set(&cfg.Model, fc.Model)
	set(&cfg.STTModel, fc.STT.Model)
	set(&cfg.STTLanguage, fc.STT.Language)
	set(&cfg.TTSModel, fc.TTS.Model)
	set(&cfg.TTSVoice, fc.TTS.Voice)
	set(&cfg.TTSLanguage, fc.TTS.Language)

	p := &cfg.Policy
	set(&p.SoftWarning, fc.Policy.SoftWarning)
	set(&p.UrgentWarning, fc.Policy.UrgentWarning)
	set(&p.HardCutoff, fc.Policy.HardCutoff)
	set(&p.DrainGrace, fc.Policy.DrainGrace)
	set(&p.TurnTimeout, fc.Policy.TurnTimeout)
	set(&p.MaxReopens, fc.Policy.MaxReopens)
	set(&p.MaxReplyTokens, fc.Policy.MaxReplyTokens)
	set(&p.SystemPrompt, fc.Prompts.System)
	set(&p.OpeningPrompt, fc.Prompts.Opening)
	set(&p.WrapUpInstruction, fc.Prompts.WrapUp)
	set(&p.FinishNowInstruction, fc.Prompts.FinishNow)

	set(&cfg.DebugEndpoints, fc.DebugEndpoints)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
