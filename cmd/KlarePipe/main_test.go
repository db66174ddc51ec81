package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/flow"
	"github.com/BTreeMap/KlarePipe/internal/genai"
	"github.com/BTreeMap/KlarePipe/internal/offline"
	"github.com/BTreeMap/KlarePipe/internal/store"
)

var configEnvKeys = []string{
	"KLAREPIPE_STATE_DIR", "DATABASE_URL", "REDIS_URL", "CONTEXT_KEY_PREFIX", "CONTEXT_TTL",
	"API_ADDR", "JWT_SECRET", "TOKEN_EXPIRY", "NO_LLM", "OPENAI_API_KEY", "OPENAI_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "GROQ_API_KEY", "GROQ_MODEL",
	"LLM_TEMP", "MAX_TOKENS", "LLM_TIMEOUT", "LLM_MAX_RETRIES", "LLM_RETRY_DELAY",
	"MAX_INPUT_CHARS", "FAQ_FILE", "MESSAGING_CHANNEL", "WHATSAPP_DB_DSN",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "ROUTER_WORKERS",
	"CHECKIN_SCHEDULE", "CHECKIN_RECIPIENTS",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	config, err := parseCommandLineFlags(loadEnvironmentConfig(), nil)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); config.StoreDSN() != want {
		t.Errorf("Expected default store DSN %q, got %q", want, config.StoreDSN())
	}
	expectedWhatsAppDSN := "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	if config.WhatsAppDSN != expectedWhatsAppDSN {
		t.Errorf("Expected default WhatsApp DSN %q, got %q", expectedWhatsAppDSN, config.WhatsAppDSN)
	}
	if config.Channel != ChannelNone {
		t.Errorf("Expected channel %q, got %q", ChannelNone, config.Channel)
	}
	if config.LLMTimeout != flow.DefaultTimeout || config.LLMMaxRetries != flow.DefaultMaxRetries {
		t.Errorf("unexpected retry defaults: %v %d", config.LLMTimeout, config.LLMMaxRetries)
	}
	if !config.UseOffline() {
		t.Error("Expected offline mode without an API key")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnvironmentConfigValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("KLAREPIPE_STATE_DIR", "/tmp/klare")
	t.Setenv("CONTEXT_TTL", "3600")
	t.Setenv("LLM_TIMEOUT", "2s")
	t.Setenv("LLM_MAX_RETRIES", "5")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MESSAGING_CHANNEL", "WhatsApp")
	t.Setenv("CHECKIN_RECIPIENTS", "+15551234567, +447700900123")

	config := loadEnvironmentConfig()
	if config.ContextTTL != time.Hour {
		t.Errorf("Expected TTL 1h, got %v", config.ContextTTL)
	}
	if config.LLMTimeout != 2*time.Second || config.LLMMaxRetries != 5 {
		t.Errorf("unexpected LLM settings: %v %d", config.LLMTimeout, config.LLMMaxRetries)
	}
	if config.Channel != ChannelWhatsApp {
		t.Errorf("Expected channel to be lowercased, got %q", config.Channel)
	}
	if config.UseOffline() {
		t.Error("Expected online mode with an API key")
	}
	if want := []string{"+15551234567", "+447700900123"}; !reflect.DeepEqual(config.CheckInRecipients, want) {
		t.Errorf("Expected recipients %v, got %v", want, config.CheckInRecipients)
	}

	t.Setenv("NO_LLM", "true")
	if !loadEnvironmentConfig().UseOffline() {
		t.Error("NO_LLM should force offline mode")
	}
}

func TestParseCommandLineFlagsOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("API_ADDR", ":9000")

	config, err := parseCommandLineFlags(loadEnvironmentConfig(), []string{
		"-api-addr", ":7000",
		"-state-dir", "/tmp/override",
		"-no-llm",
		"-channel", "Twilio",
	})
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if config.APIAddr != ":7000" {
		t.Errorf("flag should override env, got %q", config.APIAddr)
	}
	if !config.NoLLM || config.Channel != ChannelTwilio {
		t.Errorf("unexpected config %+v", config)
	}
	if !strings.Contains(config.WhatsAppDSN, "/tmp/override") {
		t.Errorf("WhatsApp DSN should follow the state dir, got %q", config.WhatsAppDSN)
	}

	if _, err := parseCommandLineFlags(config, []string{"-no-such-flag"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestStoreDSNPrecedence(t *testing.T) {
	c := Config{StateDir: "/data"}
	if got := c.StoreDSN(); got != "/data/"+DefaultDBFileName {
		t.Errorf("got %q", got)
	}
	c.DatabaseURL = "postgres://u:p@localhost/klare"
	if got := c.StoreDSN(); got != c.DatabaseURL {
		t.Errorf("got %q", got)
	}
	c.RedisURL = "redis://localhost:6379/0"
	if got := c.StoreDSN(); got != c.RedisURL {
		t.Errorf("REDIS_URL should win, got %q", got)
	}
}

func TestNeedsStateLock(t *testing.T) {
	tests := []struct {
		name string
		c    Config
		want bool
	}{
		{"sqlite store", Config{StateDir: "/data"}, true},
		{"memory store", Config{DatabaseURL: ":memory:", Channel: ChannelNone}, false},
		{"redis store", Config{RedisURL: "redis://localhost:6379", Channel: ChannelTwilio}, false},
		{"whatsapp sqlite", Config{RedisURL: "redis://localhost:6379", Channel: ChannelWhatsApp, WhatsAppDSN: "file:/data/wa.db"}, true},
		{"whatsapp postgres", Config{RedisURL: "redis://localhost:6379", Channel: ChannelWhatsApp, WhatsAppDSN: "postgres://u@h/wa"}, false},
	}
	for _, tt := range tests {
		if got := tt.c.needsStateLock(); got != tt.want {
			t.Errorf("%s: needsStateLock = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Config
		wantErr bool
	}{
		{"none", Config{Channel: ChannelNone}, false},
		{"unknown channel", Config{Channel: "telegram"}, true},
		{"twilio missing creds", Config{Channel: ChannelTwilio, TwilioSID: "AC1"}, true},
		{"twilio ok", Config{Channel: ChannelTwilio, TwilioSID: "AC1", TwilioToken: "t", TwilioFrom: "+1555"}, false},
		{"schedule without channel", Config{Channel: ChannelNone, CheckInSchedule: "0 9 * * *", CheckInRecipients: []string{"+1555"}}, true},
		{"schedule without recipients", Config{Channel: ChannelWhatsApp, CheckInSchedule: "0 9 * * *"}, true},
		{"schedule ok", Config{Channel: ChannelWhatsApp, CheckInSchedule: "0 9 * * *", CheckInRecipients: []string{"+1555"}}, false},
		{"negative ttl", Config{Channel: ChannelNone, ContextTTL: -time.Second}, true},
	}
	for _, tt := range tests {
		if err := tt.c.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestBuildStoreOptions(t *testing.T) {
	var opts store.Opts
	for _, o := range buildStoreOptions(Config{DatabaseURL: "redis://localhost:6379/1", ContextTTL: time.Minute}) {
		o(&opts)
	}
	if opts.DSN != "redis://localhost:6379/1" || opts.TTL != time.Minute {
		t.Errorf("unexpected store opts %+v", opts)
	}
}

func TestBuildOrchestratorOptions(t *testing.T) {
	responder := offline.NewResponder()
	var opts flow.Opts
	for _, o := range buildOrchestratorOptions(Config{LLMTimeout: time.Second, LLMMaxRetries: 2, LLMRetryDelay: time.Millisecond}, responder) {
		o(&opts)
	}
	if opts.Offline != responder {
		t.Error("offline responder should be set without an API key")
	}
	if opts.Timeout != time.Second || opts.MaxRetries != 2 || opts.RetryDelay != time.Millisecond || opts.Transient == nil {
		t.Errorf("unexpected orchestrator opts %+v", opts)
	}

	opts = flow.Opts{}
	for _, o := range buildOrchestratorOptions(Config{OpenAIKey: "sk-test"}, responder) {
		o(&opts)
	}
	if opts.Offline != nil {
		t.Error("offline responder should not be set when the LLM is enabled")
	}
}

func TestBuildBackends(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := offline.NewResponder()

	classifier, agent, err := buildBackends(Config{NoLLM: true, OpenAIKey: "sk-test"}, st, responder)
	if err != nil || classifier != nil || agent != nil {
		t.Fatalf("expected no backends in offline mode, got %v %v %v", classifier, agent, err)
	}

	classifier, agent, err = buildBackends(Config{OpenAIKey: "sk-test", KeyPrefix: "msg"}, st, responder)
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if classifier == nil || agent == nil {
		t.Fatal("expected both backends")
	}

	classifier, agent, err = buildBackends(Config{AnthropicKey: "ak-test", KeyPrefix: "msg"}, st, responder)
	if err != nil || classifier == nil || agent == nil {
		t.Fatalf("expected anthropic backends, got %v %v %v", classifier, agent, err)
	}
}

func TestLLMProviderPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    string
		offline bool
	}{
		{"none", Config{}, "", true},
		{"groq only", Config{GroqKey: "gsk"}, ProviderGroq, false},
		{"anthropic only", Config{AnthropicKey: "ak"}, ProviderAnthropic, false},
		{"openai over groq", Config{OpenAIKey: "sk", GroqKey: "gsk"}, ProviderOpenAI, false},
		{"anthropic over all", Config{AnthropicKey: "ak", OpenAIKey: "sk", GroqKey: "gsk"}, ProviderAnthropic, false},
		{"no-llm wins", Config{NoLLM: true, GroqKey: "gsk"}, ProviderGroq, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.LLMProvider(); got != tt.want {
				t.Errorf("LLMProvider() = %q, want %q", got, tt.want)
			}
			if got := tt.config.UseOffline(); got != tt.offline {
				t.Errorf("UseOffline() = %v, want %v", got, tt.offline)
			}
		})
	}
}

func TestLoadEnvironmentConfigProviders(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk-test")

	config := loadEnvironmentConfig()
	if config.LLMProvider() != ProviderGroq || config.UseOffline() {
		t.Fatalf("expected groq online, got %q offline=%v", config.LLMProvider(), config.UseOffline())
	}
	if config.GroqModel != genai.DefaultGroqModel || config.AnthropicModel != genai.DefaultAnthropicModel {
		t.Errorf("unexpected model defaults %q %q", config.GroqModel, config.AnthropicModel)
	}

	t.Setenv("ANTHROPIC_API_KEY", "ak-test")
	t.Setenv("ANTHROPIC_MODEL", "claude-test")
	config = loadEnvironmentConfig()
	if config.LLMProvider() != ProviderAnthropic || config.AnthropicModel != "claude-test" {
		t.Errorf("expected anthropic with its model, got %q %q", config.LLMProvider(), config.AnthropicModel)
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	apply := func(c Config) genai.Opts {
		var opts genai.Opts
		for _, o := range buildGenAIOptions(c) {
			o(&opts)
		}
		return opts
	}

	groq := apply(Config{GroqKey: "gsk", GroqModel: "llama-test", OpenAIModel: "gpt-test", MaxTokens: 256})
	if groq.APIKey != "gsk" || groq.Model != "llama-test" || groq.BaseURL != genai.GroqBaseURL || groq.MaxTokens != 256 {
		t.Errorf("unexpected groq opts %+v", groq)
	}

	openai := apply(Config{OpenAIKey: "sk", OpenAIModel: "gpt-test", GroqKey: "gsk"})
	if openai.APIKey != "sk" || openai.Model != "gpt-test" || openai.BaseURL != "" {
		t.Errorf("unexpected openai opts %+v", openai)
	}

	anthropic := apply(Config{AnthropicKey: "ak", AnthropicModel: "claude-test", OpenAIKey: "sk"})
	if anthropic.APIKey != "ak" || anthropic.Model != "claude-test" || anthropic.BaseURL != "" {
		t.Errorf("unexpected anthropic opts %+v", anthropic)
	}
}

func TestBuildGenerator(t *testing.T) {
	gen, err := buildGenerator(Config{AnthropicKey: "ak", AnthropicModel: "claude-test"})
	if err != nil {
		t.Fatalf("buildGenerator: %v", err)
	}
	if _, ok := gen.(*genai.AnthropicClient); !ok {
		t.Errorf("expected an Anthropic client, got %T", gen)
	}

	gen, err = buildGenerator(Config{GroqKey: "gsk", GroqModel: "llama-test"})
	if err != nil {
		t.Fatalf("buildGenerator: %v", err)
	}
	if _, ok := gen.(*genai.Client); !ok {
		t.Errorf("expected an OpenAI-compatible client for groq, got %T", gen)
	}

	if _, err := buildGenerator(Config{}); err == nil {
		t.Error("expected error without any API key")
	}
}

func TestBuildResponderOptions(t *testing.T) {
	opts, err := buildResponderOptions(Config{})
	if err != nil || opts != nil {
		t.Fatalf("expected no options without FAQ_FILE, got %v %v", opts, err)
	}

	path := filepath.Join(t.TempDir(), "faq.json")
	if err := os.WriteFile(path, []byte(`{"what is klare?": "A support companion."}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err = buildResponderOptions(Config{FAQFile: path})
	if err != nil || len(opts) != 1 {
		t.Fatalf("expected one option, got %v %v", opts, err)
	}

	if _, err := buildResponderOptions(Config{FAQFile: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Error("expected error for missing FAQ file")
	}
}

func TestTokenSecret(t *testing.T) {
	secret, err := tokenSecret(Config{JWTSecret: "configured"})
	if err != nil || string(secret) != "configured" {
		t.Fatalf("unexpected secret %q %v", secret, err)
	}
	a, err := tokenSecret(Config{})
	if err != nil || len(a) != 32 {
		t.Fatalf("expected 32 random bytes, got %d %v", len(a), err)
	}
	b, _ := tokenSecret(Config{})
	if string(a) == string(b) {
		t.Error("ephemeral secrets should differ")
	}
}

func TestOpenMessagingNone(t *testing.T) {
	svc, webhook, cleanup, err := openMessaging(context.Background(), Config{Channel: ChannelNone})
	if err != nil || svc != nil || webhook != nil || cleanup == nil {
		t.Fatalf("unexpected result %v %v %v", svc, webhook, err)
	}
	cleanup()
}

func TestOpenMessagingTwilio(t *testing.T) {
	svc, webhook, cleanup, err := openMessaging(context.Background(), Config{
		Channel: ChannelTwilio, TwilioSID: "AC123", TwilioToken: "token", TwilioFrom: "+15550001111",
	})
	if err != nil {
		t.Fatalf("openMessaging: %v", err)
	}
	defer cleanup()
	if svc == nil || webhook == nil {
		t.Fatal("expected a Twilio service with a webhook")
	}
}
