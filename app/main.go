package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/verchik/tg-moder/app/events"
	"github.com/verchik/tg-moder/app/filter"
	"github.com/verchik/tg-moder/app/storage"
	"github.com/verchik/tg-moder/app/storage/engine"
	"github.com/verchik/tg-moder/app/webapi"
	"github.com/verchik/tg-moder/lib/moder"
)

type options struct {
	Telegram struct {
		Token   string        `long:"token" env:"TOKEN" description:"telegram bot token" required:"true"`
		Group   string        `long:"group" env:"GROUP" description:"group name/id" required:"true"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for telegram"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	Files struct {
		Registry    string `long:"registry" env:"REGISTRY" default:"data/registry.txt" description:"restricted-persons registry file"`
		DangerWords string `long:"danger-words" env:"DANGER_WORDS" description:"danger words file, overrides builtin list"`
		RudeWords   string `long:"rude-words" env:"RUDE_WORDS" description:"rude words file, overrides builtin list"`
		ThreatWords string `long:"threat-words" env:"THREAT_WORDS" description:"threat words file, overrides builtin list"`
		Watch       bool   `long:"watch" env:"WATCH" description:"reload data files on change"`
	} `group:"files" namespace:"files" env-namespace:"FILES"`

	OpenAI struct {
		Token             string        `long:"token" env:"TOKEN" description:"openai token, llm stage disabled if not set"`
		APIBase           string        `long:"api-base" env:"API_BASE" description:"custom openai-compatible API endpoint"`
		Model             string        `long:"model" env:"MODEL" default:"gpt-4o-mini" description:"openai model"`
		Prompt            string        `long:"prompt" env:"PROMPT" default:"" description:"openai system prompt, if empty uses builtin default"`
		MaxTokensResponse int           `long:"max-tokens-response" env:"MAX_TOKENS_RESPONSE" default:"512" description:"openai max tokens in response"`
		MaxTokensRequest  int           `long:"max-tokens-request" env:"MAX_TOKENS_REQUEST" default:"2048" description:"openai max tokens in request"`
		MaxSymbolsRequest int           `long:"max-symbols-request" env:"MAX_SYMBOLS_REQUEST" default:"8192" description:"openai max symbols in request, fallback if tokenizer failed"`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"openai timeout"`
		ResolveNames      bool          `long:"resolve-names" env:"RESOLVE_NAMES" description:"enable llm alias-to-name resolution stage"`
	} `group:"openai" namespace:"openai" env-namespace:"OPENAI"`

	DB struct {
		Sqlite   string `long:"sqlite" env:"SQLITE" default:"tg-moder.db" description:"sqlite file"`
		Postgres string `long:"postgres" env:"POSTGRES" description:"postgres dsn, overrides sqlite"`
		GID      string `long:"gid" env:"GID" default:"gr1" description:"group id for storage"`
		Export   string `long:"export" env:"EXPORT" description:"export sqlite to postgres dump file and exit"`
	} `group:"db" namespace:"db" env-namespace:"DB"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated audit log of classified messages"`
		FileName   string `long:"file" env:"FILE" default:"tg-moder.log" description:"location of audit log"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in MB before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Server struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable web API server"`
		ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
		AuthPasswd string `long:"auth" env:"AUTH" description:"basic auth password for user tg-moder"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	SimilarityThreshold float64       `long:"similarity-threshold" env:"SIMILARITY_THRESHOLD" default:"0.85" description:"similarity ratio to treat a message as spam"`
	SpamWindowSize      int           `long:"spam-window" env:"SPAM_WINDOW" default:"10" description:"per-chat recent messages kept for spam check"`
	LowRiskThreshold    float64       `long:"low-risk" env:"LOW_RISK" default:"0.3" description:"heuristic score below it is clean"`
	HighRiskThreshold   float64       `long:"high-risk" env:"HIGH_RISK" default:"0.6" description:"heuristic score above it escalates to llm"`
	FuzzyThreshold      float64       `long:"fuzzy-threshold" env:"FUZZY_THRESHOLD" default:"0.8" description:"registry fuzzy alias threshold"`
	ContextHorizon      time.Duration `long:"context-horizon" env:"CONTEXT_HORIZON" default:"24h" description:"how long flagged domain mentions stay relevant"`

	BanLimit    int           `long:"ban-limit" env:"BAN_LIMIT" default:"3" description:"severe violations before a ban"`
	BanDuration time.Duration `long:"ban-duration" env:"BAN_DURATION" default:"24h" description:"ban duration"`

	Dry   bool `long:"dry" env:"DRY" description:"dry mode, no deletes or bans"`
	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	TGDbg bool `long:"tg-dbg" env:"TG_DEBUG" description:"telegram debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-moder %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); !ok || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token, opts.OpenAI.Token)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	if opts.Dry {
		log.Print("[WARN] dry mode, no actual deletes or bans")
	}

	tbAPI, err := tbapi.NewBotAPIWithClient(opts.Telegram.Token, tbapi.APIEndpoint,
		&http.Client{Timeout: opts.Telegram.Timeout})
	if err != nil {
		return fmt.Errorf("can't make telegram bot, %w", err)
	}
	tbAPI.Debug = opts.TGDbg

	db, err := makeDB(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't make db engine, %w", err)
	}
	defer db.Close()

	if opts.DB.Export != "" {
		return exportToPostgres(ctx, db, opts.DB.Export)
	}

	violations, err := storage.NewViolations(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make violations store, %w", err)
	}
	bans, err := storage.NewBans(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make bans store, %w", err)
	}
	messages, err := storage.NewMessages(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make messages store, %w", err)
	}

	detector := makeDetector(opts)

	loader := filter.NewLoader(detector, filter.Files{
		Registry:    opts.Files.Registry,
		DangerWords: opts.Files.DangerWords,
		RudeWords:   opts.Files.RudeWords,
		ThreatWords: opts.Files.ThreatWords,
	})
	if err := loader.LoadRegistry(opts.FuzzyThreshold); err != nil {
		return fmt.Errorf("can't load registry, %w", err)
	}
	if err := loader.LoadKeywords(); err != nil {
		log.Printf("[WARN] keyword files not fully loaded, %v", err)
	}
	if opts.Files.Watch {
		go loader.Watch(ctx)
	}

	auditWr, err := makeAuditWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make audit writer, %w", err)
	}
	defer auditWr.Close()

	listener := events.TelegramListener{
		TbAPI:       tbAPI,
		Classifier:  detector,
		Violations:  violations,
		Bans:        bans,
		Messages:    &auditedMessages{store: messages, wr: auditWr},
		Group:       opts.Telegram.Group,
		BanLimit:    opts.BanLimit,
		BanDuration: opts.BanDuration,
		Dry:         opts.Dry,
	}
	log.Printf("[DEBUG] telegram listener config: {group: %s, ban limit: %d, ban duration: %v, dry: %v}",
		listener.Group, listener.BanLimit, listener.BanDuration, listener.Dry)

	g, ctx := errgroup.WithContext(ctx)
	if opts.Server.Enabled {
		srv := webapi.NewServer(webapi.Config{
			Version:    revision,
			ListenAddr: opts.Server.ListenAddr,
			Classifier: detector,
			Violations: violations,
			AuthPasswd: opts.Server.AuthPasswd,
			Dbg:        opts.Dbg,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		if err := listener.Do(ctx); err != nil {
			return fmt.Errorf("telegram listener failed, %w", err)
		}
		return nil
	})
	return g.Wait()
}

// exportToPostgres dumps the sqlite storage as a postgres-compatible sql file
func exportToPostgres(ctx context.Context, db *engine.SQL, file string) error {
	fh, err := os.Create(file) //nolint:gosec // file name comes from the cli flag
	if err != nil {
		return fmt.Errorf("can't create export file %s, %w", file, err)
	}
	defer fh.Close()
	if err := engine.NewConverter(db).SqliteToPostgres(ctx, fh); err != nil {
		return fmt.Errorf("export failed, %w", err)
	}
	log.Printf("[INFO] exported storage to %s", file)
	return nil
}

func makeDB(ctx context.Context, opts options) (*engine.SQL, error) {
	if opts.DB.Postgres != "" {
		log.Printf("[INFO] using postgres storage")
		return engine.NewPostgres(ctx, opts.DB.Postgres, opts.DB.GID)
	}
	log.Printf("[INFO] using sqlite storage %s", opts.DB.Sqlite)
	return engine.NewSqlite(opts.DB.Sqlite, opts.DB.GID)
}

func makeDetector(opts options) *moder.Detector {
	detectorConfig := moder.Config{
		SpamThreshold:     opts.SimilarityThreshold,
		SpamWindowSize:    opts.SpamWindowSize,
		LowRiskThreshold:  opts.LowRiskThreshold,
		HighRiskThreshold: opts.HighRiskThreshold,
		FuzzyThreshold:    opts.FuzzyThreshold,
		ContextHorizon:    opts.ContextHorizon,
	}
	detector := moder.NewDetector(detectorConfig)
	log.Printf("[DEBUG] detector config: %+v", detectorConfig)

	if opts.OpenAI.Token != "" {
		log.Printf("[WARN] llm classification enabled, model %s", opts.OpenAI.Model)
		llmConfig := moder.LLMConfig{
			SystemPrompt:      opts.OpenAI.Prompt,
			Model:             opts.OpenAI.Model,
			MaxTokensResponse: opts.OpenAI.MaxTokensResponse,
			MaxTokensRequest:  opts.OpenAI.MaxTokensRequest,
			MaxSymbolsRequest: opts.OpenAI.MaxSymbolsRequest,
			Timeout:           opts.OpenAI.Timeout,
			ResolveNames:      opts.OpenAI.ResolveNames,
		}
		config := openai.DefaultConfig(opts.OpenAI.Token)
		if opts.OpenAI.APIBase != "" {
			config.BaseURL = opts.OpenAI.APIBase
		}
		detector.WithLLM(openai.NewClientWithConfig(config), llmConfig)
	}
	return detector
}

// auditedMessages stores classified messages and mirrors them as json lines
// to the audit writer.
type auditedMessages struct {
	store events.MessageStore
	wr    io.Writer
}

func (a *auditedMessages) Add(ctx context.Context, info storage.MessageInfo) error {
	m := struct {
		TimeStamp string `json:"ts"`
		UserName  string `json:"user_name"`
		UserID    int64  `json:"user_id"`
		Category  string `json:"category"`
		Text      string `json:"text"`
	}{
		TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
		UserName:  info.UserName,
		UserID:    info.UserID,
		Category:  string(info.Category),
		Text:      strings.TrimSpace(strings.ReplaceAll(info.Text, "\n", " ")),
	}
	if line, merr := json.Marshal(&m); merr == nil {
		if _, werr := a.wr.Write(append(line, '\n')); werr != nil {
			log.Printf("[WARN] can't write to audit log, %v", werr)
		}
	}
	return a.store.Add(ctx, info)
}

// makeAuditWriter makes the rotated audit log writer, or a discarding one
// if the logger is disabled.
func makeAuditWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}
	log.Printf("[INFO] audit logger enabled for %s, max size %dM", opts.Logger.FileName, opts.Logger.MaxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    opts.Logger.MaxSize, // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	secrets = filterSecrets(secrets)
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}

// filterSecrets drops empty secrets, lgr masks empty strings too eagerly
func filterSecrets(secrets []string) []string {
	res := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			res = append(res, s)
		}
	}
	return res
}
