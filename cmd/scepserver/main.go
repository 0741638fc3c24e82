package main

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/scep-client/ca"
	"github.com/ruteri/scep-client/cmd/flags"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/envelope"
	"github.com/ruteri/scep-client/scepserver"
	"github.com/urfave/cli/v2"
)

var serverFlags = append(append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for SCEP requests",
	},
	&cli.StringFlag{
		Name:  "policy",
		Value: "auto",
		Usage: "approval policy: 'auto', 'manual' or 'reject'",
	},
	&cli.StringFlag{
		Name:    "challenge",
		EnvVars: []string{"SCEP_CHALLENGE"},
		Usage:   "challenge password required in every request",
	},
	&cli.StringFlag{
		Name:  "cipher",
		Value: "AES-256",
		Usage: "cipher for response envelopes: DES3, AES-128 or AES-256",
	},
	&cli.StringFlag{
		Name:  "ca-cn",
		Value: "SCEP CA",
		Usage: "common name of a generated CA certificate",
	},
	&cli.StringFlag{
		Name:  "ca-key",
		Usage: "PEM CA key file, loaded together with --ca-cert",
	},
	&cli.StringFlag{
		Name:  "ca-cert",
		Usage: "PEM CA certificate file; a fresh CA is generated and written here when missing",
	},
	&cli.DurationFlag{
		Name:  "validity",
		Value: 365 * 24 * time.Hour,
		Usage: "validity of issued certificates",
	},
	&cli.StringFlag{
		Name:  "admin-keys-file",
		Usage: "JSON file with admin public keys, enables the /admin approval API",
	},
	flags.LogServiceFlagFn("scepserver"),
}, flags.LogFlags...), flags.ServerFlags...)

func main() {
	app := &cli.App{
		Name:  "scepserver",
		Usage: "Serve a SCEP responder backed by an in-memory CA",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			policy, err := ca.ParsePolicy(cCtx.String("policy"))
			if err != nil {
				return err
			}
			cipher, ok := envelope.CipherByName(cCtx.String("cipher"))
			if !ok {
				return fmt.Errorf("unknown cipher %q", cCtx.String("cipher"))
			}

			authority, err := loadAuthority(cCtx, ca.Config{
				Subject:           pkix.Name{CommonName: cCtx.String("ca-cn")},
				Validity:          cCtx.Duration("validity"),
				Policy:            policy,
				ChallengePassword: cCtx.String("challenge"),
				Log:               logger,
			}, logger)
			if err != nil {
				logger.Error("Failed to set up CA", "err", err)
				return err
			}
			logger.Info("CA ready",
				"subject", authority.Certificate().Subject.String(),
				"fingerprint", cryptoutils.Fingerprint(authority.Certificate()),
				"policy", cCtx.String("policy"))

			handler := scepserver.NewHandler(authority, scepserver.HandlerConfig{Cipher: cipher}, logger)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server := scepserver.New(cfg, handler)

			if adminKeysFile := cCtx.String("admin-keys-file"); adminKeysFile != "" {
				admin, err := loadAdminHandler(adminKeysFile, authority, logger)
				if err != nil {
					logger.Error("Failed to load admin keys", "err", err)
					return err
				}
				server.WithAdmin(admin)
			} else if policy == ca.ManualApproval {
				logger.Warn("Manual approval without --admin-keys-file, pending requests can never be approved")
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadAuthority loads the CA from --ca-key/--ca-cert, or generates one. A
// generated CA is written to those paths when they are set.
func loadAuthority(cCtx *cli.Context, cfg ca.Config, logger *slog.Logger) (*ca.Authority, error) {
	keyPath, certPath := cCtx.String("ca-key"), cCtx.String("ca-cert")

	if keyPath != "" && certPath != "" {
		keyData, keyErr := os.ReadFile(keyPath)
		certData, certErr := os.ReadFile(certPath)
		switch {
		case keyErr == nil && certErr == nil:
			key, err := cryptoutils.RSAPrivkey(keyData).GetPrivateKey()
			if err != nil {
				return nil, fmt.Errorf("invalid CA key: %w", err)
			}
			caCert, err := cryptoutils.NewCACert(certData)
			if err != nil {
				return nil, err
			}
			cert, err := caCert.GetX509Cert()
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded CA", "cert", certPath)
			return ca.NewFromKey(key, cert, cfg)
		case errors.Is(keyErr, fs.ErrNotExist) && errors.Is(certErr, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("CA key and certificate must both exist or both be missing: %w", errors.Join(keyErr, certErr))
		}
	}

	authority, err := ca.New(cfg)
	if err != nil {
		return nil, err
	}
	if keyPath == "" || certPath == "" {
		return authority, nil
	}

	keyPEM, err := cryptoutils.NewRSAPrivkey(authority.Key())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, cryptoutils.NewTLSCert(authority.Certificate()), 0644); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}
	logger.Info("Generated CA", "key", keyPath, "cert", certPath)
	return authority, nil
}

func loadAdminHandler(path string, authority *ca.Authority, logger *slog.Logger) (*scepserver.AdminHandler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	adminKeys, err := scepserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

	return scepserver.NewAdminHandler(authority, adminKeys, logger)
}
