package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liteclaw/liteclaw-platform/internal/auth"
	"github.com/liteclaw/liteclaw-platform/internal/gateway"
	"github.com/liteclaw/liteclaw-platform/internal/provisioning"
	"github.com/liteclaw/liteclaw-platform/internal/proxy"
	"github.com/liteclaw/liteclaw-platform/internal/server"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// NewServeCommand creates the serve subcommand.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the platform HTTP and WebSocket server",
		Long: `Start the tenant-facing HTTP API and the /ws proxy in front of the gateway.
Schema migrations run automatically when a database is configured.`,
		Example: `  liteclaw-platform serve
  liteclaw-platform serve --port 8080 -c ./liteclaw-platform.yaml`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "HTTP port (overrides server.port)")
	cmd.Flags().String("host", "", "HTTP host (overrides server.host)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := cmd.Context()
	logger := newLogger(cmd, cfg)

	st, locker, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if pg, ok := st.(*store.PostgresStore); ok {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		if len(applied) > 0 {
			logger.Info().Strs("migrations", applied).Msg("Database migrated")
		}
	}

	cipher, err := provisioning.NewCipher(cfg.Platform.EncryptionKey)
	if err != nil {
		return err
	}

	gwOpts := gateway.Options{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		CallTimeout:      cfg.Gateway.RPCTimeout,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		Logger:           logger,
	}
	svc := provisioning.NewService(st, locker, provisioning.GatewayDialer(gwOpts), cipher, provisioning.Options{
		SharedAnthropicKey: cfg.Platform.SharedAnthropicKey,
		DefaultModel:       cfg.Platform.DefaultModel,
		RestartDelay:       cfg.Platform.RestartDelay,
		Logger:             logger,
	})

	bridge := proxy.NewBridge(proxy.BridgeOptions{
		GatewayURL:       cfg.Gateway.URL,
		GatewayToken:     cfg.Gateway.Token,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		Logger:           logger,
	})

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    st,
		Sessions: auth.NewHTTPResolver(cfg.Auth.URL, cfg.Auth.Timeout),
		Service:  svc,
		Bridge:   bridge,
		Logger:   logger,
	})

	logger.Info().Str("gateway", cfg.Gateway.URL).Str("auth", cfg.Auth.URL).Msg("Starting LiteClaw platform")
	return srv.Start(ctx)
}
