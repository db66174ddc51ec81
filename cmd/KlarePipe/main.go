package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/api"
	"github.com/BTreeMap/KlarePipe/internal/chatcontext"
	"github.com/BTreeMap/KlarePipe/internal/flow"
	"github.com/BTreeMap/KlarePipe/internal/genai"
	"github.com/BTreeMap/KlarePipe/internal/lockfile"
	"github.com/BTreeMap/KlarePipe/internal/messaging"
	"github.com/BTreeMap/KlarePipe/internal/offline"
	"github.com/BTreeMap/KlarePipe/internal/scheduler"
	"github.com/BTreeMap/KlarePipe/internal/store"
	"github.com/BTreeMap/KlarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/KlarePipe/internal/users"
	"github.com/BTreeMap/KlarePipe/internal/util"
	"github.com/BTreeMap/KlarePipe/internal/validation"
	"github.com/BTreeMap/KlarePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for KlarePipe state data
	DefaultStateDir = "/var/lib/klarepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "klarepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// LLM providers, in the order they are picked when several keys are set.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
)

// Messaging channels selectable with MESSAGING_CHANNEL.
const (
	ChannelNone     = "none"
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	if err := config.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping KlarePipe", "state_dir", config.StateDir, "store", store.DetectDSNType(config.StoreDSN()),
		"channel", config.Channel, "llm_provider", config.LLMProvider(), "offline", config.UseOffline(), "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("KlarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("KlarePipe exited successfully")
}

// Config holds the resolved configuration: .env, then environment, then flags.
type Config struct {
	StateDir    string
	DatabaseURL string
	RedisURL    string
	KeyPrefix   string
	ContextTTL  time.Duration
	APIAddr     string

	JWTSecret   string
	TokenExpiry time.Duration

	NoLLM          bool
	AnthropicKey   string
	AnthropicModel string
	OpenAIKey      string
	OpenAIModel    string
	GroqKey        string
	GroqModel      string
	LLMTemp        float64
	MaxTokens      int
	LLMTimeout     time.Duration
	LLMMaxRetries  int
	LLMRetryDelay  time.Duration

	MaxInputChars int
	FAQFile       string

	Channel       string
	WhatsAppDSN   string
	QROutput      string
	NumericCode   bool
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	RouterWorkers int

	CheckInSchedule   string
	CheckInRecipients []string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.StringEnv("KLAREPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       util.StringEnv("DATABASE_URL", ""),
		RedisURL:          util.StringEnv("REDIS_URL", ""),
		KeyPrefix:         util.StringEnv("CONTEXT_KEY_PREFIX", chatcontext.DefaultKeyPrefix),
		ContextTTL:        util.ParseDurationEnv("CONTEXT_TTL", 0),
		APIAddr:           util.StringEnv("API_ADDR", api.DefaultAddr),
		JWTSecret:         util.StringEnv("JWT_SECRET", ""),
		TokenExpiry:       util.ParseDurationEnv("TOKEN_EXPIRY", users.DefaultTokenExpiry),
		NoLLM:             util.ParseBoolEnv("NO_LLM", false),
		AnthropicKey:      util.StringEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    util.StringEnv("ANTHROPIC_MODEL", genai.DefaultAnthropicModel),
		OpenAIKey:         util.StringEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		GroqKey:           util.StringEnv("GROQ_API_KEY", ""),
		GroqModel:         util.StringEnv("GROQ_MODEL", genai.DefaultGroqModel),
		LLMTemp:           util.ParseFloatEnv("LLM_TEMP", genai.DefaultTemperature),
		MaxTokens:         util.ParseIntEnv("MAX_TOKENS", genai.DefaultMaxTokens),
		LLMTimeout:        util.ParseDurationEnv("LLM_TIMEOUT", flow.DefaultTimeout),
		LLMMaxRetries:     util.ParseIntEnv("LLM_MAX_RETRIES", flow.DefaultMaxRetries),
		LLMRetryDelay:     util.ParseDurationEnv("LLM_RETRY_DELAY", flow.DefaultRetryDelay),
		MaxInputChars:     util.ParseIntEnv("MAX_INPUT_CHARS", validation.DefaultMaxInputChars),
		FAQFile:           util.StringEnv("FAQ_FILE", ""),
		Channel:           strings.ToLower(util.StringEnv("MESSAGING_CHANNEL", ChannelNone)),
		WhatsAppDSN:       util.StringEnv("WHATSAPP_DB_DSN", ""),
		TwilioSID:         util.StringEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioToken:       util.StringEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:        util.StringEnv("TWILIO_FROM_NUMBER", ""),
		RouterWorkers:     util.ParseIntEnv("ROUTER_WORKERS", messaging.DefaultWorkers),
		CheckInSchedule:   util.StringEnv("CHECKIN_SCHEDULE", ""),
		CheckInRecipients: scheduler.ParseRecipients(os.Getenv("CHECKIN_RECIPIENTS")),
	}

	slog.Debug("environment variables loaded",
		"KLAREPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"CONTEXT_TTL", config.ContextTTL,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"NO_LLM", config.NoLLM,
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GROQ_API_KEY_SET", config.GroqKey != "",
		"MESSAGING_CHANNEL", config.Channel,
		"CHECKIN_SCHEDULE", config.CheckInSchedule,
		"CHECKIN_RECIPIENTS", len(config.CheckInRecipients))
	return config
}

// parseCommandLineFlags applies command line overrides on top of config.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("klarepipe", flag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for KlarePipe data (overrides $KLAREPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "context store DSN: sqlite path, postgres DSN or redis URL (overrides $DATABASE_URL)")
	fs.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL for the context store (overrides $REDIS_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.AnthropicKey, "anthropic-api-key", config.AnthropicKey, "Anthropic API key (overrides $ANTHROPIC_API_KEY)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.GroqKey, "groq-api-key", config.GroqKey, "Groq API key (overrides $GROQ_API_KEY)")
	fs.BoolVar(&config.NoLLM, "no-llm", config.NoLLM, "answer with the offline responder only (overrides $NO_LLM)")
	fs.StringVar(&config.FAQFile, "faq-file", config.FAQFile, "JSON file of FAQ question/answer pairs (overrides $FAQ_FILE)")
	fs.StringVar(&config.Channel, "channel", config.Channel, "messaging channel: none, whatsapp or twilio (overrides $MESSAGING_CHANNEL)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&config.CheckInSchedule, "checkin-schedule", config.CheckInSchedule, "cron schedule for check-ins (overrides $CHECKIN_SCHEDULE)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}
	config.Channel = strings.ToLower(strings.TrimSpace(config.Channel))
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"apiAddr", config.APIAddr,
		"noLLM", config.NoLLM,
		"channel", config.Channel,
		"qrOutput", config.QROutput,
		"numeric", config.NumericCode)
	return config, nil
}

// Validate rejects settings that cannot start a working service.
func (c Config) Validate() error {
	switch c.Channel {
	case ChannelNone, ChannelWhatsApp:
	case ChannelTwilio:
		if c.TwilioSID == "" || c.TwilioToken == "" || c.TwilioFrom == "" {
			return errors.New("twilio channel requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("unknown messaging channel %q", c.Channel)
	}
	if c.CheckInSchedule != "" && c.Channel == ChannelNone {
		return errors.New("CHECKIN_SCHEDULE needs a messaging channel to deliver check-ins")
	}
	if c.CheckInSchedule != "" && len(c.CheckInRecipients) == 0 {
		return errors.New("CHECKIN_SCHEDULE is set but CHECKIN_RECIPIENTS is empty")
	}
	if c.ContextTTL < 0 {
		return errors.New("CONTEXT_TTL must not be negative")
	}
	return nil
}

// StoreDSN returns the context store DSN. REDIS_URL wins over DATABASE_URL;
// with neither set, state lives in SQLite under the state directory.
func (c Config) StoreDSN() string {
	switch {
	case c.RedisURL != "":
		return c.RedisURL
	case c.DatabaseURL != "":
		return c.DatabaseURL
	default:
		return filepath.Join(c.StateDir, DefaultDBFileName)
	}
}

// LLMProvider returns the provider whose key is set, preferring Anthropic, then
// OpenAI, then Groq. It is empty when no key is set.
func (c Config) LLMProvider() string {
	switch {
	case c.AnthropicKey != "":
		return ProviderAnthropic
	case c.OpenAIKey != "":
		return ProviderOpenAI
	case c.GroqKey != "":
		return ProviderGroq
	default:
		return ""
	}
}

// UseOffline reports whether turns are served by the offline responder.
func (c Config) UseOffline() bool {
	return c.NoLLM || c.LLMProvider() == ""
}

// needsStateLock reports whether any local SQLite file lives under the state directory.
func (c Config) needsStateLock() bool {
	if store.DetectDSNType(c.StoreDSN()) == store.DSNTypeSQLite {
		return true
	}
	return c.Channel == ChannelWhatsApp && store.DetectDSNType(c.WhatsAppDSN) == store.DSNTypeSQLite
}

// buildStoreOptions constructs context store options
func buildStoreOptions(c Config) []store.Option {
	opts := []store.Option{store.WithDSN(c.StoreDSN())}
	if c.ContextTTL > 0 {
		opts = append(opts, store.WithTTL(c.ContextTTL))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options for the selected provider
func buildGenAIOptions(c Config) []genai.Option {
	opts := []genai.Option{
		genai.WithTemperature(c.LLMTemp),
		genai.WithMaxTokens(c.MaxTokens),
	}
	switch c.LLMProvider() {
	case ProviderAnthropic:
		opts = append(opts, genai.WithAPIKey(c.AnthropicKey), genai.WithModel(c.AnthropicModel))
	case ProviderOpenAI:
		opts = append(opts, genai.WithAPIKey(c.OpenAIKey), genai.WithModel(c.OpenAIModel))
	case ProviderGroq:
		opts = append(opts, genai.WithAPIKey(c.GroqKey), genai.WithModel(c.GroqModel), genai.WithBaseURL(genai.GroqBaseURL))
	}
	return opts
}

// buildGenerator creates the chat client of the selected provider.
func buildGenerator(c Config) (genai.Generator, error) {
	opts := buildGenAIOptions(c)
	switch c.LLMProvider() {
	case ProviderAnthropic:
		return genai.NewAnthropicClient(opts...)
	case ProviderOpenAI, ProviderGroq:
		return genai.NewClient(opts...)
	default:
		return nil, errors.New("no LLM API key configured")
	}
}

// buildOrchestratorOptions constructs orchestrator options
func buildOrchestratorOptions(c Config, responder *offline.Responder) []flow.Option {
	opts := []flow.Option{
		flow.WithTimeout(c.LLMTimeout),
		flow.WithRetry(c.LLMMaxRetries, c.LLMRetryDelay),
		flow.WithTransient(genai.IsTransient),
	}
	if c.UseOffline() {
		opts = append(opts, flow.WithOffline(responder))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(c Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(c.WhatsAppDSN)}
	if c.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(c.QROutput))
	}
	if c.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(c Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(c.TwilioSID),
		twiliowhatsapp.WithAuthToken(c.TwilioToken),
		twiliowhatsapp.WithFromWhats(c.TwilioFrom),
	}
}

// buildResponderOptions loads the FAQ table override, if configured.
func buildResponderOptions(c Config) ([]offline.Option, error) {
	if c.FAQFile == "" {
		return nil, nil
	}
	faq, err := offline.LoadFAQFile(c.FAQFile)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded FAQ file", "path", c.FAQFile, "entries", len(faq))
	return []offline.Option{offline.WithFAQ(faq)}, nil
}

// tokenSecret returns the configured JWT secret, or a random one that only
// lives as long as the process.
func tokenSecret(c Config) ([]byte, error) {
	if c.JWTSecret != "" {
		return []byte(c.JWTSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate JWT secret: %w", err)
	}
	slog.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	return secret, nil
}

// buildBackends wires the classifier and continuation backends on the selected
// provider. Both are nil when the offline responder serves every turn.
func buildBackends(c Config, st store.ContextStore, responder *offline.Responder) (flow.ChatBackend, flow.ChatBackend, error) {
	if c.UseOffline() {
		slog.Info("Generative backend disabled, using offline responder", "no_llm", c.NoLLM, "provider", c.LLMProvider())
		return nil, nil, nil
	}
	client, err := buildGenerator(c)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Generative backend enabled", "provider", c.LLMProvider())
	memory := genai.NewSessionMemory(st, c.KeyPrefix, genai.DefaultMemoryWindow)
	retriever := genai.NewFAQRetriever(responder.FAQ())
	classifier := genai.NewBackend(genai.VariantClassifier, client,
		genai.WithMemory(memory), genai.WithRetriever(retriever, genai.DefaultTopK))
	agent := genai.NewBackend(genai.VariantAgent, client, genai.WithMemory(memory))
	return classifier, agent, nil
}

// openMessaging starts the configured channel. The returned cleanup must be
// called after the service is no longer used.
func openMessaging(ctx context.Context, c Config) (messaging.Service, http.Handler, func(), error) {
	switch c.Channel {
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(c)...)
		if err != nil {
			return nil, nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(c)...)
		if err != nil {
			return nil, nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, http.HandlerFunc(svc.TwilioWebhookHandler), func() {}, nil
	default:
		return nil, nil, func() {}, nil
	}
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, c Config) error {
	if c.needsStateLock() {
		lock, err := lockfile.Acquire(c.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(buildStoreOptions(c)...)
	if err != nil {
		return fmt.Errorf("open context store: %w", err)
	}
	defer st.Close()

	// User records must not expire with conversation state.
	userStore := st
	if c.ContextTTL > 0 {
		userStore, err = store.New(store.WithDSN(c.StoreDSN()))
		if err != nil {
			return fmt.Errorf("open user store: %w", err)
		}
		defer userStore.Close()
	}

	responderOpts, err := buildResponderOptions(c)
	if err != nil {
		return err
	}
	responder := offline.NewResponder(responderOpts...)

	repo := chatcontext.NewRepository(st, chatcontext.WithKeyPrefix(c.KeyPrefix))
	secret, err := tokenSecret(c)
	if err != nil {
		return err
	}
	tokens := users.NewTokenIssuer(secret, c.TokenExpiry)
	userSvc := users.NewService(userStore, tokens)

	classifier, agent, err := buildBackends(c, st, responder)
	if err != nil {
		return err
	}
	orch := flow.NewOrchestrator(repo, classifier, agent, buildOrchestratorOptions(c, responder)...)

	svc, webhook, closeChannel, err := openMessaging(ctx, c)
	if err != nil {
		return fmt.Errorf("open messaging channel %s: %w", c.Channel, err)
	}
	defer closeChannel()

	apiOpts := []api.Option{api.WithAddr(c.APIAddr), api.WithMaxInputChars(c.MaxInputChars)}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}

	routerDone := make(chan struct{})
	stopRouter := func() {}
	if svc == nil {
		close(routerDone)
	} else {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging service: %w", err)
		}
		defer svc.Stop()
		router := messaging.NewRouter(svc, orch, userSvc,
			messaging.WithWorkers(c.RouterWorkers),
			messaging.WithMaxInputChars(c.MaxInputChars),
			messaging.WithDedup(store.NewDedupRepo(st)))

		if c.CheckInSchedule != "" {
			sched := scheduler.NewScheduler()
			defer sched.Stop()
			if err := sched.ScheduleCheckIns(ctx, c.CheckInSchedule, c.CheckInRecipients, router.CheckIn); err != nil {
				return err
			}
		}

		// The router stops before the service so queued turns can still reply.
		var routerCtx context.Context
		routerCtx, stopRouter = context.WithCancel(ctx)
		go func() {
			router.Run(routerCtx)
			close(routerDone)
		}()
	}

	server := api.NewServer(orch, repo, userSvc, tokens, apiOpts...)
	serveErr := server.Run(ctx)

	stopRouter()
	<-routerDone
	if svc != nil {
		if err := svc.Stop(); err != nil {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}
	return serveErr
}
