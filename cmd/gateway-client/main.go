// Command gateway-client is a demo CLI around the gateway client façade: it
// registers or authenticates with a gateway, delegates the read half to a
// background goroutine, and bridges a local SOCKS5 listener over mix
// packets for one caller at a time.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nymproject/gateway-client/internal/config"
	"github.com/nymproject/gateway-client/internal/gateway"
	"github.com/nymproject/gateway-client/internal/identity"
	"github.com/nymproject/gateway-client/internal/proxy"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "gateway-client",
		Short: "Bridge a local SOCKS5 listener over a Nym gateway connection",
		RunE:  run,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.Flags().String("gateway-url", "", "override gateway_url")
	root.Flags().String("listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	root.Flags().Bool("gen-identity", false, "generate a new identity keypair and exit")
	viper.BindPFlag("gateway_url", root.Flags().Lookup("gateway-url"))

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("gateway-client: exiting")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg.LogLevel)

	if genIdentity, _ := cmd.Flags().GetBool("gen-identity"); genIdentity {
		return generateIdentity(cfg)
	}

	id, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	client, err := gateway.NewClient(gateway.Config{
		URL:                     cfg.GatewayURL,
		Identity:                id,
		RequireBandwidthTickets: cfg.RequireBandwidthTickets,
		MixPacketPayloadLen:     cfg.MixPacketPayloadLen,
		Reconnect: gateway.ReconnectPolicy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.ReconnectBackoff,
		},
	})
	if err != nil {
		return fmt.Errorf("construct client: %w", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()
	log.Info().Str("gateway", cfg.GatewayURL).Msg("gateway-client: connected")

	stop, err := client.Delegate(ctx)
	if err != nil {
		return fmt.Errorf("delegate read loop: %w", err)
	}
	defer stop()

	listenAddr, _ := cmd.Flags().GetString("listen")
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	defer listener.Close()
	log.Info().Str("addr", listenAddr).Msg("gateway-client: SOCKS5 bridge listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error().Err(err).Msg("gateway-client: accept failed")
			continue
		}
		bridgeConnection(ctx, client, conn)
	}
}

// bridgeConnection serves exactly one local caller at a time: the façade's
// send path is not safe for concurrent callers (see gateway.Client's
// doc comment), so a second caller would need to wait for this one to
// finish rather than race it.
func bridgeConnection(ctx context.Context, client *gateway.Client, conn net.Conn) {
	defer conn.Close()

	target, err := proxy.AcceptSOCKS5(conn)
	if err != nil {
		log.Warn().Err(err).Msg("gateway-client: SOCKS5 handshake failed")
		return
	}

	var header bytes.Buffer
	if err := proxy.WriteTargetAddress(&header, target); err != nil {
		proxy.WriteSOCKS5Error(conn, proxy.ReplyAddressNotSupported)
		return
	}

	if err := client.SendMixPacket(ctx, header.Bytes()); err != nil {
		log.Error().Err(err).Msg("gateway-client: failed to send connect header")
		proxy.WriteSOCKS5Error(conn, proxy.ReplyGeneralFailure)
		return
	}
	if err := proxy.WriteSOCKS5Success(conn); err != nil {
		return
	}
	log.Debug().Str("target", target).Msg("gateway-client: bridging connection")

	done := make(chan struct{}, 2)
	go func() {
		pumpToGateway(ctx, client, conn)
		done <- struct{}{}
	}()
	go func() {
		pumpFromGateway(ctx, client, conn)
		done <- struct{}{}
	}()
	<-done
}

func pumpToGateway(ctx context.Context, client *gateway.Client, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			if err := client.SendMixPacket(ctx, payload); err != nil {
				log.Warn().Err(err).Msg("gateway-client: send failed")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func pumpFromGateway(ctx context.Context, client *gateway.Client, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-client.Messages():
			if !ok {
				return
			}
			if _, err := conn.Write(frame.Payload); err != nil {
				return
			}
		}
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	viper.SetConfigType("yaml")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	viper.SetDefault("gateway_url", cfg.GatewayURL)
	viper.AutomaticEnv()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func generateIdentity(cfg config.Config) error {
	pub, priv, err := identity.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := identity.SavePrivateKey(priv, cfg.IdentityKeyPath); err != nil {
		return err
	}
	if err := identity.SavePublicKey(pub, cfg.IdentityPubPath); err != nil {
		return err
	}
	log.Info().Str("fingerprint", identity.Fingerprint(pub)).Msg("gateway-client: generated identity")
	return nil
}

func loadOrGenerateIdentity(cfg config.Config) (gateway.Identity, error) {
	priv, err := identity.LoadPrivateKey(cfg.IdentityKeyPath)
	if err != nil {
		pub, generated, genErr := identity.GenerateKeyPair()
		if genErr != nil {
			return gateway.Identity{}, genErr
		}
		if err := identity.SavePrivateKey(generated, cfg.IdentityKeyPath); err != nil {
			return gateway.Identity{}, err
		}
		if err := identity.SavePublicKey(pub, cfg.IdentityPubPath); err != nil {
			return gateway.Identity{}, err
		}
		return gateway.Identity{Public: pub, Private: generated}, nil
	}
	return gateway.Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}
