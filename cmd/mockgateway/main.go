// Command mockgateway hosts the mock gateway test double as a standalone
// process, useful for exercising cmd/gateway-client against a local
// stand-in instead of a real mixnet gateway.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nymproject/gateway-client/internal/identity"
	"github.com/nymproject/gateway-client/internal/mockgateway"
)

func main() {
	var (
		listen                  string
		echo                    bool
		requireBandwidthTickets bool
		genKeyPath              string
		genPubPath              string
	)

	root := &cobra.Command{
		Use:   "mockgateway",
		Short: "Run a standalone mock gateway for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if genKeyPath != "" {
				return generateIdentity(genKeyPath, genPubPath)
			}
			return serve(listen, echo, requireBandwidthTickets)
		},
	}
	root.Flags().StringVar(&listen, "listen", "127.0.0.1:9000", "address to listen on")
	root.Flags().BoolVar(&echo, "echo", false, "echo reassembled payloads back instead of bridging to a real upstream")
	root.Flags().BoolVar(&requireBandwidthTickets, "require-bandwidth-tickets", false, "require ecash tickets instead of granting free testnet bandwidth")
	root.Flags().StringVar(&genKeyPath, "gen-key", "", "generate an identity private key at this path and exit")
	root.Flags().StringVar(&genPubPath, "gen-key-pub", "", "public key output path for --gen-key")

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("mockgateway: exiting")
	}
}

func serve(listen string, echo, requireBandwidthTickets bool) error {
	srv := mockgateway.NewServer()
	srv.EchoPayloads = echo
	srv.RequireBandwidthTickets = requireBandwidthTickets

	log.Info().Str("addr", listen).Bool("echo", echo).Msg("mockgateway: listening")
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	return http.ListenAndServe(listen, mux)
}

func generateIdentity(privPath, pubPath string) error {
	if pubPath == "" {
		return fmt.Errorf("--gen-key-pub is required with --gen-key")
	}
	pub, priv, err := identity.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := identity.SavePrivateKey(priv, privPath); err != nil {
		return err
	}
	if err := identity.SavePublicKey(pub, pubPath); err != nil {
		return err
	}
	log.Info().Str("fingerprint", identity.Fingerprint(pub)).Msg("mockgateway: generated identity")
	return nil
}
