package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/crosstalkhq/crosstalk/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSMissingKeyFile(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/crosstalk/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tls without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_RelayURLScheme(t *testing.T) {
	t.Parallel()
	yaml := `
signaling:
  relay_url: https://relay.internal:8002
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-websocket relay_url, got nil")
	}
	if !strings.Contains(err.Error(), "ws or wss") {
		t.Errorf("error should mention the ws/wss requirement, got: %v", err)
	}
}

func TestValidate_NegativeBufferFrames(t *testing.T) {
	t.Parallel()
	yaml := `
relay:
  buffer_frames: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative buffer_frames, got nil")
	}
	if !strings.Contains(err.Error(), "buffer_frames") {
		t.Errorf("error should mention buffer_frames, got: %v", err)
	}
}

func TestValidate_UnknownSTTEngine(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  stt:
    engine: kaldi
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown stt engine, got nil")
	}
	if !strings.Contains(err.Error(), "whisper, vosk") {
		t.Errorf("error should list valid engines, got: %v", err)
	}
}

func TestValidate_WhisperRequiresModelPath(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  stt:
    engine: whisper
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for whisper engine without model_path, got nil")
	}
	if !strings.Contains(err.Error(), "model_path") {
		t.Errorf("error should mention model_path, got: %v", err)
	}
}

func TestValidate_VoskRequiresServers(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  stt:
    engine: vosk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for vosk engine without servers, got nil")
	}
	if !strings.Contains(err.Error(), "servers") {
		t.Errorf("error should mention servers, got: %v", err)
	}
}

func TestValidate_VoskServerScheme(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  stt:
    engine: vosk
    servers:
      en: http://localhost:2700
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for http vosk server URL, got nil")
	}
	if !strings.Contains(err.Error(), "servers[en]") {
		t.Errorf("error should name the offending server, got: %v", err)
	}
}

func TestValidate_VADThresholdOrder(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  vad:
    speech_threshold: 0.1
    silence_threshold: 0.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for silence threshold above speech threshold, got nil")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("error should mention the threshold ordering, got: %v", err)
	}
}

func TestValidate_FilterConfidenceRange(t *testing.T) {
	t.Parallel()
	yaml := `
transcriber:
  filter:
    min_confidence: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range min_confidence, got nil")
	}
	if !strings.Contains(err.Error(), "min_confidence") {
		t.Errorf("error should mention min_confidence, got: %v", err)
	}
}

func TestValidate_ProviderNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
insight:
  providers:
    - model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for provider without name, got nil")
	}
	if !strings.Contains(err.Error(), "insight.providers[0].name") {
		t.Errorf("error should name the offending entry, got: %v", err)
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	t.Parallel()
	yaml := `
insight:
  temperature: 3.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range temperature, got nil")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
transcriber:
  stt:
    engine: whisper
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "model_path") {
		t.Errorf("error should mention model_path, got: %v", err)
	}
}

func TestValidInsightProviders(t *testing.T) {
	t.Parallel()
	// Sanity-check that the list is populated and carries the chain anchors.
	if len(config.ValidInsightProviders) == 0 {
		t.Fatal("ValidInsightProviders should not be empty")
	}
	for _, name := range []string{"openai", "template"} {
		if !slices.Contains(config.ValidInsightProviders, name) {
			t.Errorf("ValidInsightProviders should contain %q", name)
		}
	}
}

func TestDefaultJunkWords(t *testing.T) {
	t.Parallel()
	junk := config.DefaultJunkWords()
	if !slices.Contains(junk["en"], "uh um") {
		t.Errorf(`junk["en"] should contain "uh um", got %v`, junk["en"])
	}
	if !slices.Contains(junk["ja"], "えっと") {
		t.Errorf(`junk["ja"] should contain えっと, got %v`, junk["ja"])
	}

	// Mutating the returned map must not affect later callers.
	junk["en"] = append(junk["en"], "mutated")
	if slices.Contains(config.DefaultJunkWords()["en"], "mutated") {
		t.Error("DefaultJunkWords should return a fresh map per call")
	}
}
