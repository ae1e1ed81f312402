package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/presence-sync/internal/api"
	"github.com/whisper/presence-sync/internal/client"
	"github.com/whisper/presence-sync/internal/config"
	"github.com/whisper/presence-sync/internal/connection"
	"github.com/whisper/presence-sync/internal/messaging"
	"github.com/whisper/presence-sync/internal/metrics"
	"github.com/whisper/presence-sync/internal/notification"
	"github.com/whisper/presence-sync/internal/session"
	"github.com/whisper/presence-sync/internal/ws"
)

func main() {
	var (
		configPath string
		userID     string
		token      string
		name       string
		photoURL   string
	)
	flags := pflag.NewFlagSet("syncclient", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	flags.StringVar(&userID, "user", "", "sign in as this user id")
	flags.StringVar(&token, "token", "", "bearer token for --user")
	flags.StringVar(&name, "name", "", "display name saved with the session")
	flags.StringVar(&photoURL, "photo", "", "photo URL saved with the session")
	flags.Parse(os.Args[1:])

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// --- Session (Redis) ---
	sessions, err := session.NewStore(cfg.Redis.Addr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Transport ---
	var dialer connection.Dialer
	switch cfg.Transport {
	case config.TransportNATS:
		dialer = messaging.NewDialer(cfg.NATSDialer())
	default:
		dialer = ws.NewDialer(cfg.WebSocketDialer())
	}

	log.Printf("Presence sync client starting")
	log.Printf("  transport:       %s", cfg.Transport)
	log.Printf("  sync_url:        %s", cfg.WebSocket.URL)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  api_url:         %s", cfg.API.URL)
	log.Printf("  metrics_addr:    %s", cfg.Metrics.Addr)
	log.Printf("  idle_threshold:  %s", cfg.Presence.IdleThreshold)
	log.Printf("  heartbeat:       %s", cfg.Presence.HeartbeatInterval)
	log.Printf("  ack_timeout:     %s", cfg.Conversation.AckTimeout)

	// Declare the client early so the token source can capture it.
	var c *client.Client
	apiClient := api.NewClient(cfg.API.URL, cfg.API.Timeout, func() string {
		if c == nil {
			return ""
		}
		sess, _ := c.Connection().Session()
		return sess.Token
	})

	lines := readLines(os.Stdin)
	alerter := notification.NewWriterAlerter(os.Stdout, promptPermission(lines))

	var alertTypes []notification.Type
	for _, t := range cfg.Notifications.AlertTypes {
		alertTypes = append(alertTypes, notification.ParseType(t))
	}

	c, err = client.New(client.Config{
		Connection:   cfg.ConnectionConfig(),
		Presence:     cfg.PresenceConfig(),
		Conversation: cfg.ConversationConfig(),
		AlertTypes:   alertTypes,
		PageSize:     cfg.API.PageSize,
	}, dialer, client.Options{Fetcher: apiClient, Alerter: alerter})
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	// --- Metrics ---
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	sh := &shell{client: c, sessions: sessions, lines: lines, out: os.Stdout}

	// An explicit sign-in replaces the stored session.
	if userID != "" || token != "" {
		if err := sh.login(session.Record{UserID: userID, Token: token, DisplayName: name, PhotoURL: photoURL}); err != nil {
			log.Printf("sign-in failed: %v", err)
		}
	} else {
		sh.autoConnect()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func() {
		c.Shutdown()
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			metricsSrv.Shutdown(ctx)
			cancel()
		}
		if err := sessions.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		shutdown()
		os.Exit(0)
	}()

	sh.run()
	shutdown()
}

// readLines feeds stdin lines into a channel that both the command loop and
// the permission prompt consume.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func promptPermission(lines <-chan string) func(ctx context.Context) (notification.Permission, error) {
	return func(ctx context.Context) (notification.Permission, error) {
		os.Stdout.WriteString("allow desktop alerts for matches and messages? [y/N] ")
		select {
		case <-ctx.Done():
			return notification.PermissionDefault, ctx.Err()
		case answer, ok := <-lines:
			if ok && (answer == "y" || answer == "Y" || answer == "yes") {
				return notification.PermissionGranted, nil
			}
			return notification.PermissionDenied, nil
		}
	}
}
