package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/portal-roomchat/roomchat/chat"
	"github.com/gosuda/portal-roomchat/roomchat/notify"
	"github.com/gosuda/portal-roomchat/roomchat/render"
	"github.com/gosuda/portal-roomchat/roomchat/stomp"
)

var rootCmd = &cobra.Command{
	Use:               "roomchat",
	Short:             "Portal chat room client: messenger room mirrored to a local or relayed viewer",
	PersistentPreRunE: setupLogging,
	RunE:              runRoomChat,
}

var (
	flagBaseURL        string
	flagWSURL          string
	flagRoom           int64
	flagUser           int64
	flagCookie         string
	flagLocale         string
	flagTZ             string
	flagPageSize       int
	flagConnectTimeout time.Duration
	flagPollInterval   time.Duration
	flagSafetyNet      time.Duration
	flagToastTTL       time.Duration

	flagServerURLs  []string
	flagPort        int
	flagName        string
	flagCredKey     string
	flagHide        bool
	flagDescription string
	flagOwner       string
	flagTags        string
	flagDataPath    string

	flagLogLevel string
	flagPretty   bool
)

func envInt64(key string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return n
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagBaseURL, "base-url", envOr("ROOMCHAT_BASE_URL", "http://localhost:8080"), "messenger base URL (from env ROOMCHAT_BASE_URL if set)")
	flags.StringVar(&flagWSURL, "ws-url", os.Getenv("ROOMCHAT_WS_URL"), "STOMP websocket endpoint; derived from --base-url when empty")
	flags.Int64Var(&flagRoom, "room", envInt64("ROOMCHAT_ROOM"), "chat room id")
	flags.Int64Var(&flagUser, "user", envInt64("ROOMCHAT_USER"), "viewer user id, used to tell own messages apart")
	flags.StringVar(&flagCookie, "cookie", os.Getenv("ROOMCHAT_COOKIE"), "session cookie sent to the messenger, e.g. JSESSIONID=...")
	flags.StringVar(&flagLocale, "locale", envOr("ROOMCHAT_LOCALE", "ko"), "label language (ko or en)")
	flags.StringVar(&flagTZ, "tz", envOr("TZ", "Local"), "time zone used for date separators and time labels")
	flags.IntVar(&flagPageSize, "page-size", chat.DefaultPageSize, "history page size")
	flags.DurationVar(&flagConnectTimeout, "connect-timeout", chat.DefaultTiming.ConnectTimeout, "start polling if the live channel is not confirmed within this delay")
	flags.DurationVar(&flagPollInterval, "poll-interval", chat.DefaultTiming.PollInterval, "fallback polling interval")
	flags.DurationVar(&flagSafetyNet, "safety-net", chat.DefaultTiming.SafetyNet, "start polling unconditionally after this delay")
	flags.DurationVar(&flagToastTTL, "toast-ttl", notify.DefaultToastTTL, "how long a notification toast stays up")

	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", -1, "optional local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "roomchat", "backend display name")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.BoolVar(&flagHide, "hide", true, "hide this lease from portal listings")
	flags.StringVar(&flagDescription, "description", "Portal chat room viewer", "lease description")
	flags.StringVar(&flagOwner, "owner", "", "lease owner")
	flags.StringVar(&flagTags, "tags", "chat", "comma-separated lease tags")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to keep an offline transcript via PebbleDB")

	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&flagPretty, "pretty", false, "human readable console logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomchat command")
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if flagPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func newCredential() (*cryptoops.Credential, error) {
	if flagCredKey == "" {
		return sdk.NewCredential(), nil
	}
	key, err := base64.StdEncoding.DecodeString(flagCredKey)
	if err != nil {
		return nil, fmt.Errorf("decode cred key: %w", err)
	}
	cred, err := cryptoops.NewCredentialFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("new credential from private key: %w", err)
	}
	return cred, nil
}

func relayURLs() []string {
	var out []string
	for _, raw := range flagServerURLs {
		for _, p := range strings.Split(raw, ",") {
			if u := strings.TrimSpace(p); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

func runRoomChat(cmd *cobra.Command, args []string) error {
	if flagRoom <= 0 {
		return errors.New("--room is required")
	}
	relays := relayURLs()
	if len(relays) == 0 && flagPort < 0 {
		return errors.New("nothing to serve: set --server-url (or RELAY) and/or --port")
	}
	loc, err := time.LoadLocation(flagTZ)
	if err != nil {
		return fmt.Errorf("load time zone: %w", err)
	}
	locale := render.ParseLocale(flagLocale)

	api, err := chat.NewClient(flagBaseURL, chat.WithCookie(flagCookie))
	if err != nil {
		return err
	}
	assetBase, err := url.Parse(flagBaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	wsURL := flagWSURL
	if wsURL == "" {
		if wsURL, err = stomp.EndpointFromBase(flagBaseURL, "/ws/websocket"); err != nil {
			return err
		}
	}
	wsHeader := http.Header{}
	if flagCookie != "" {
		wsHeader.Set("Cookie", flagCookie)
	}

	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chat.NewMetrics(reg)

	stagingDir, err := os.MkdirTemp("", "roomchat-staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	v, err := newViewer(flagName, flagBaseURL, filepath.Clean(stagingDir), locale, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.cleanup(); err != nil {
			log.Warn().Err(err).Msg("[viewer] staging cleanup failed")
		}
	}()

	// Optional: offline transcript
	var store *transcriptStore
	if flagDataPath != "" {
		s, err := openTranscriptStore(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[chat] open transcript failed; running without it")
		} else {
			store = s
		}
	}

	notifier := notify.New(api, v, notify.WithLocale(locale), notify.WithToastTTL(flagToastTTL))
	dialer := chat.DialerFunc(func(context.Context) (chat.Channel, error) {
		conn, err := stomp.Open(wsURL, wsHeader)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	opts := []chat.Option{
		chat.WithPreviews(v),
		chat.WithStaging(v),
		chat.WithMetrics(metrics),
		chat.WithSubscription(notify.Queue, notifier.HandleFrame),
	}
	if store != nil {
		opts = append(opts, chat.WithTranscript(store))
	}
	session := chat.NewSession(chat.Config{
		RoomID:    flagRoom,
		ViewerID:  flagUser,
		PageSize:  flagPageSize,
		Locale:    locale,
		Location:  loc,
		AssetBase: assetBase,
		Timing: chat.Timing{
			ConnectTimeout: flagConnectTimeout,
			PollInterval:   flagPollInterval,
			SafetyNet:      flagSafetyNet,
		},
	}, api, dialer, v, opts...)
	v.attach(ctx, session, notifier)

	handler := NewHandler(v)
	g, gctx := errgroup.WithContext(ctx)

	// Relay listeners share one credential
	var clients []*sdk.RDClient
	var listeners []net.Listener
	if len(relays) > 0 {
		cred, err := newCredential()
		if err != nil {
			return err
		}
		for _, u := range relays {
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("new client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, flagName, []string{"http/1.1"},
				sdk.WithDescription(flagDescription),
				sdk.WithHide(flagHide),
				sdk.WithOwner(flagOwner),
				sdk.WithTags(strings.Split(flagTags, ",")),
			)
			if err != nil {
				return fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
		if len(listeners) == 0 && flagPort < 0 {
			return errors.New("no relay listener could be started")
		}
	}
	for idx, ln := range listeners {
		g.Go(func() error {
			if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[viewer] relay http error")
				return err
			}
			return nil
		})
	}

	// Optional local server on --port
	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[viewer] serving locally at http://127.0.0.1:%d", flagPort)
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("[viewer] local http stopped")
				return err
			}
			return nil
		})
	}

	// Unified shutdown watcher
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range clients {
			_ = c.Close()
		}
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("[viewer] http server shutdown error")
			}
		}
		return nil
	})

	log.Info().Int64("room", flagRoom).Str("base", flagBaseURL).Str("ws", wsURL).Msg("[chat] opening room")
	notifier.Init(gctx)
	session.Start(gctx)

	err = g.Wait()

	// Stop the room first so nothing renders into closing tabs
	if cerr := session.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("[chat] close live channel")
	}
	notifier.Close()
	v.closeAll()
	v.wait()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] transcript close error")
		}
	}
	log.Info().Msg("[chat] shutdown complete")
	return err
}
