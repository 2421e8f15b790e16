package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	router "github.com/dkeye/VoiceCall/internal/adapters/http"
	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	sigclient "github.com/dkeye/VoiceCall/internal/adapters/signal"
	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/domain"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "voicecall",
		Short: "Peer-to-peer voice and video call agent",
	}

	var video, debug bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the signaling server and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			cfg, err := config.Load(v)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, video)
		},
	}

	flags := runCmd.Flags()
	flags.String("config-env", "", "config file suffix (config/config.<env>.yaml)")
	flags.String("signal-url", "", "signaling server WebSocket URL")
	flags.String("self", "", "own peer id (random when empty)")
	flags.Int("http-port", 0, "control API port")
	flags.BoolVar(&video, "video", true, "send a video track")
	flags.BoolVar(&debug, "debug", false, "debug logging")

	for key, flag := range map[string]string{
		"config_env": "config-env",
		"signal_url": "signal-url",
		"self_id":    "self",
		"http_port":  "http-port",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(runCmd)
	return root
}

func run(ctx context.Context, cfg *config.Config, video bool) error {
	self := domain.PeerID(cfg.SelfID)
	if self == "" {
		self = domain.PeerID(uuid.NewString())
		log.Info().Str("self", string(self)).Msg("no self id configured, generated one")
	}

	factory, err := rtc.NewFactory(cfg.ICE, cfg.Call.MuteAfter)
	if err != nil {
		return fmt.Errorf("webrtc factory: %w", err)
	}
	media, err := rtc.NewStaticMediaSource(video)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	bus := app.NewBus()
	client := sigclient.NewClient(cfg.SignalURL, self, cfg.Signal)
	o := orch.New(self, cfg.Call, factory, media, client, bus)
	client.Deliver = o.Deliver
	client.OnConnected = o.OnSignalConnected

	unsubscribe := bus.Subscribe(func(ev app.Event) {
		log.Debug().Str("module", "main").Str("event", ev.EventName()).Interface("payload", ev).Msg("state")
	})
	defer unsubscribe()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, o, bus),
	}

	var wg conc.WaitGroup
	wg.Go(func() { o.Run(ctx) })
	wg.Go(func() {
		if err := client.Run(ctx); err != nil {
			log.Error().Err(err).Msg("signaling stopped")
		}
	})
	wg.Go(func() { media.FeedSilence(ctx) })
	wg.Go(func() {
		log.Info().Str("addr", addr).Str("self", string(self)).Msg("VoiceCall agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	})

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("Agent exited gracefully")
	return nil
}
