package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	homeDir := filepath.Join(t.TempDir(), ".redloop")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	t.Setenv("REDLOOP_HOME", homeDir)
	if body != "" {
		if err := os.WriteFile(filepath.Join(homeDir, "config.toml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return homeDir
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	writeConfig(t, `
[llm]
connection = "openai-rest"
api_key = "test-key"
model = "gpt-4"
context_size = 8192

[target]
host = "10.20.30.40"
username = "lowpriv"
password = "trustno1"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.LLM.Connection != ConnectionOpenAIREST {
		t.Fatalf("expected connection %q, got %q", ConnectionOpenAIREST, cfg.LLM.Connection)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Fatalf("expected api key %q, got %q", "test-key", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-4" {
		t.Fatalf("expected model %q, got %q", "gpt-4", cfg.LLM.Model)
	}
	if cfg.Target.Host != "10.20.30.40" {
		t.Fatalf("expected target host from file, got %q", cfg.Target.Host)
	}
	if cfg.Target.Password != "trustno1" {
		t.Fatalf("expected target password from file, got %q", cfg.Target.Password)
	}
}

func TestLoad_ExpandsEnvVarsInStringValues(t *testing.T) {
	writeConfig(t, `
[llm]
api_key = "$OPENAI_API_KEY"

[target]
password = "$TARGET_PASSWORD"
`)
	t.Setenv("OPENAI_API_KEY", "expanded-key")
	t.Setenv("TARGET_PASSWORD", "expanded-pass")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.APIKey != "expanded-key" {
		t.Fatalf("expected expanded api key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Target.Password != "expanded-pass" {
		t.Fatalf("expected expanded target password, got %q", cfg.Target.Password)
	}
}

func TestLoad_DefaultsApplyWithoutConfigFile(t *testing.T) {
	homeDir := filepath.Join(t.TempDir(), ".redloop")
	t.Setenv("REDLOOP_HOME", homeDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HomeDir != homeDir {
		t.Fatalf("expected home dir %q, got %q", homeDir, cfg.HomeDir)
	}
	if cfg.LLM.Connection != ConnectionOpenAILib {
		t.Fatalf("expected default connection %q, got %q", ConnectionOpenAILib, cfg.LLM.Connection)
	}
	if cfg.LLM.Model != "gpt-3.5-turbo" {
		t.Fatalf("expected default model, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.ContextSize != 16385 {
		t.Fatalf("expected default context size 16385, got %d", cfg.LLM.ContextSize)
	}
	if cfg.LLM.Timeout != 240*time.Second {
		t.Fatalf("expected default api timeout 240s, got %v", cfg.LLM.Timeout)
	}
	if cfg.LLM.Retries != 3 {
		t.Fatalf("expected default retries 3, got %d", cfg.LLM.Retries)
	}
	if cfg.LLM.Backoff != 60*time.Second {
		t.Fatalf("expected default backoff 60s, got %v", cfg.LLM.Backoff)
	}
	if cfg.Run.MaxRounds != 10 {
		t.Fatalf("expected default max rounds 10, got %d", cfg.Run.MaxRounds)
	}
	if !cfg.Run.UpdateState {
		t.Fatalf("expected update_state enabled by default")
	}
	if cfg.Run.AnalyzeResponse {
		t.Fatalf("expected analyze_response disabled by default")
	}
	if cfg.Notify.Enabled {
		t.Fatalf("expected notifications disabled by default")
	}
	if len(cfg.Guard.DenyCommands) == 0 {
		t.Fatalf("expected default deny command patterns")
	}
	if cfg.RunsDBPath() != filepath.Join(homeDir, "data", "runs.db") {
		t.Fatalf("unexpected runs db path %q", cfg.RunsDBPath())
	}
}

func TestLoad_DurationAcceptsBareSeconds(t *testing.T) {
	writeConfig(t, `
[llm]
api_backoff = 6
api_timeout = "30s"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Backoff != 6*time.Second {
		t.Fatalf("expected bare-number backoff of 6s, got %v", cfg.LLM.Backoff)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("expected string timeout of 30s, got %v", cfg.LLM.Timeout)
	}
}

func TestLoad_PresetFillsModelAndRouting(t *testing.T) {
	writeConfig(t, `
[llm]
preset = "gemini-pro-1.5"
api_key = "or-key"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Model != "google/gemini-pro-1.5-exp" {
		t.Fatalf("expected preset model, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.ContextSize != 2000000 {
		t.Fatalf("expected preset context size, got %d", cfg.LLM.ContextSize)
	}
	if !cfg.LLM.UseOpenRouter {
		t.Fatalf("expected preset to enable openrouter routing")
	}
	if cfg.LLM.APIKey != "or-key" {
		t.Fatalf("expected explicit api key to win, got %q", cfg.LLM.APIKey)
	}
}

func TestLoad_PresetKeepsExplicitContextSize(t *testing.T) {
	writeConfig(t, `
[llm]
preset = "gpt-4"
api_key = "k"
context_size = 4000
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Model != "gpt-4" {
		t.Fatalf("expected preset model, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.ContextSize != 4000 {
		t.Fatalf("expected explicit context size to win, got %d", cfg.LLM.ContextSize)
	}
}

func TestLoad_UnknownPresetFails(t *testing.T) {
	writeConfig(t, `
[llm]
preset = "gpt-9000"
`)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown preset")
	}
}

func TestValidate_RequiresCredentialAndModel(t *testing.T) {
	cases := []struct {
		name string
		llm  LLMConfig
		want string
	}{
		{
			name: "missing api key",
			llm:  LLMConfig{Connection: ConnectionOpenAILib, Model: "gpt-4", ContextSize: 8192, Timeout: time.Minute, Backoff: time.Second},
			want: "api_key",
		},
		{
			name: "missing model",
			llm:  LLMConfig{Connection: ConnectionOpenAILib, APIKey: "k", ContextSize: 8192, Timeout: time.Minute, Backoff: time.Second},
			want: "model",
		},
		{
			name: "unsupported connection",
			llm:  LLMConfig{Connection: "carrier-pigeon", APIKey: "k", Model: "gpt-4", ContextSize: 8192, Timeout: time.Minute, Backoff: time.Second},
			want: "unsupported connection",
		},
		{
			name: "negative retries",
			llm:  LLMConfig{Connection: ConnectionOpenAIREST, APIKey: "k", Model: "gpt-4", ContextSize: 8192, Timeout: time.Minute, Retries: -1, Backoff: time.Second},
			want: "api_retries",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.llm.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestValidate_NotifyRequiresTokenWhenEnabled(t *testing.T) {
	c := NotifyConfig{Enabled: true}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for enabled notifier without token")
	}
	c = NotifyConfig{Enabled: false}
	if err := c.Validate(); err != nil {
		t.Fatalf("disabled notifier should not require token: %v", err)
	}
}

func TestHomeDir_DefaultsToUserHome(t *testing.T) {
	t.Setenv("REDLOOP_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get user home: %v", err)
	}

	dir, err := HomeDir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	expected := filepath.Join(home, ".redloop")
	if dir != expected {
		t.Fatalf("expected %q, got %q", expected, dir)
	}
}

func TestHomeDir_RespectsEnvVar(t *testing.T) {
	customDir := "/tmp/my-redloop"
	t.Setenv("REDLOOP_HOME", customDir)

	dir, err := HomeDir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	if dir != customDir {
		t.Fatalf("expected %q, got %q", customDir, dir)
	}
}

func TestDefaultUserConfigTOML_ContainsEssentials(t *testing.T) {
	out, err := DefaultUserConfigTOML()
	if err != nil {
		t.Fatalf("render default config: %v", err)
	}
	for _, want := range []string{"[llm]", "api_key", "[target]", "host", "max_rounds"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected rendered config to contain %q:\n%s", want, out)
		}
	}
}
