package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
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

	"github.com/ruteri/scep-client/cmd/flags"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/envelope"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/ruteri/scep-client/pkimessage"
	"github.com/ruteri/scep-client/replay"
	"github.com/ruteri/scep-client/storage"
	"github.com/ruteri/scep-client/transaction"
	"github.com/ruteri/scep-client/transport"
	"github.com/urfave/cli/v2"
)

var globalFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:     "url",
		Required: true,
		EnvVars:  []string{"SCEP_URL"},
		Usage:    "SCEP server URL, e.g. http://127.0.0.1:8080/scep",
	},
	&cli.StringFlag{
		Name:  "ca-identifier",
		Usage: "CA identifier sent with GetCACaps and GetCACert",
	},
	&cli.StringFlag{
		Name:  "method",
		Usage: "HTTP method for PKIOperation (GET or POST), picked from the server capabilities when empty",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 30 * time.Second,
		Usage: "timeout of a single HTTP request",
	},
	flags.LogServiceFlagFn("scepclient"),
}, flags.LogFlags...)

var enrollFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "key",
		Required: true,
		Usage:    "PEM private key file, generated if missing",
	},
	&cli.IntFlag{
		Name:  "key-bits",
		Value: cryptoutils.DefaultRSAKeyBits,
		Usage: "RSA modulus size of a generated key",
	},
	&cli.StringFlag{
		Name:     "cn",
		Required: true,
		Usage:    "subject common name",
	},
	&cli.StringFlag{
		Name:  "org",
		Usage: "subject organization",
	},
	&cli.StringSliceFlag{
		Name:  "dns",
		Usage: "DNS subject alternative name, may be repeated",
	},
	&cli.StringFlag{
		Name:    "challenge",
		EnvVars: []string{"SCEP_CHALLENGE"},
		Usage:   "challenge password",
	},
	&cli.StringFlag{
		Name:  "ca-fingerprint",
		Usage: "hex SHA-256 fingerprint of the CA certificate to enroll with",
	},
	&cli.BoolFlag{
		Name:  "renewal",
		Usage: "send a RenewalReq instead of a PKCSReq",
	},
	&cli.StringFlag{
		Name:  "digest",
		Value: transaction.DefaultDigestAlgorithm,
		Usage: "digest deriving the transaction id from the public key",
	},
	&cli.DurationFlag{
		Name:  "poll-interval",
		Value: 10 * time.Second,
		Usage: "wait between polls while the request is pending",
	},
	&cli.IntFlag{
		Name:  "poll-attempts",
		Value: 30,
		Usage: "number of polls before giving up, 0 to only send",
	},
	&cli.StringFlag{
		Name:  "out",
		Usage: "write the issued certificate chain to this file instead of stdout",
	},
	&cli.StringSliceFlag{
		Name:  "store",
		Usage: "credential store URI (file://, s3://, vault://), may be repeated",
	},
	&cli.BoolFlag{
		Name:  "store-key",
		Usage: "also deposit the private key in the credential stores",
	},
	&cli.BoolFlag{
		Name:  "vault-client-cert",
		Usage: "authenticate to vault:// stores with the freshly issued certificate",
	},
}

func main() {
	app := &cli.App{
		Name:  "scepclient",
		Usage: "Enroll for certificates over SCEP",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "getcacaps",
				Usage:  "Print the server capabilities",
				Action: getCACaps,
			},
			{
				Name:  "getcacert",
				Usage: "Print the CA certificates as PEM",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "write to this file instead of stdout"},
				},
				Action: getCACert,
			},
			{
				Name:   "enroll",
				Usage:  "Request a certificate and wait for it to be issued",
				Flags:  enrollFlags,
				Action: enroll,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newTransport(cCtx *cli.Context, logger *slog.Logger) *transport.HTTPTransport {
	return transport.NewHTTPTransport(cCtx.String("url"), cCtx.String("method"), cCtx.Duration("timeout"), logger)
}

func getCACaps(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	caps, err := transport.GetCACaps(ctx, newTransport(cCtx, logger), cCtx.String("ca-identifier"))
	if err != nil {
		return err
	}
	for capability := range caps {
		fmt.Fprintln(cCtx.App.Writer, capability)
	}
	return nil
}

func getCACert(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	certs, err := transport.GetCACert(ctx, newTransport(cCtx, logger), cCtx.String("ca-identifier"))
	if err != nil {
		return err
	}
	for _, cert := range certs {
		logger.Info("CA certificate",
			"subject", cert.Subject.String(),
			"fingerprint", cryptoutils.Fingerprint(cert),
			"isCA", cert.IsCA)
	}
	return writeOutput(cCtx, cCtx.String("out"), cryptoutils.NewTLSCert(certs...))
}

func enroll(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr := newTransport(cCtx, logger)
	caIdentifier := cCtx.String("ca-identifier")

	caps, err := transport.GetCACaps(ctx, tr, caIdentifier)
	if err != nil {
		return err
	}
	if tr.Method == "" {
		tr.Method = caps.Method()
	}

	caCerts, err := transport.GetCACert(ctx, tr, caIdentifier)
	if err != nil {
		return err
	}
	caCert, err := transport.SelectCACertificate(caCerts, cCtx.String("ca-fingerprint"))
	if err != nil {
		return err
	}
	logger.Info("Using CA", "subject", caCert.Subject.String(), "fingerprint", cryptoutils.Fingerprint(caCert))

	key, keyPEM, err := loadOrGenerateKey(cCtx.String("key"), cCtx.Int("key-bits"), logger)
	if err != nil {
		return err
	}

	subject := pkix.Name{CommonName: cCtx.String("cn")}
	if org := cCtx.String("org"); org != "" {
		subject.Organization = []string{org}
	}
	csrPEM, err := cryptoutils.CreateCSR(key, cryptoutils.CSROptions{
		Subject:           subject,
		DNSNames:          cCtx.StringSlice("dns"),
		ChallengePassword: cCtx.String("challenge"),
	})
	if err != nil {
		return err
	}
	csr, err := csrPEM.GetX509CSR()
	if err != nil {
		return err
	}

	signer, err := cryptoutils.SelfSignedSignerCert(key, subject)
	if err != nil {
		return err
	}

	digest, err := interfaces.DigestByName(caps.Digest())
	if err != nil {
		return err
	}

	txn, err := transaction.New(transaction.Config{
		Transport: tr,
		Codec: &pkimessage.Codec{
			SignerCert: signer,
			SignerKey:  key,
			Recipient:  transport.RecipientCertificate(caCerts, caCert),
			Encoder:    envelope.Encoder{Cipher: caps.Cipher()},
			DigestAlg:  digest,
		},
		History:         replay.NewHistory(replay.DefaultCapacity),
		CSR:             csr,
		CACert:          caCert,
		DigestAlgorithm: cCtx.String("digest"),
		Renewal:         cCtx.Bool("renewal"),
		Log:             logger,
	})
	if err != nil {
		return err
	}

	state, err := awaitOutcome(ctx, txn, cCtx.Duration("poll-interval"), cCtx.Int("poll-attempts"), logger)
	if err != nil {
		return err
	}

	switch state {
	case interfaces.StateRejected:
		failInfo, _ := txn.FailInfo()
		return fmt.Errorf("enrollment rejected: %s", failInfo)
	case interfaces.StatePending:
		return fmt.Errorf("enrollment still pending after %d polls, transaction %s", cCtx.Int("poll-attempts"), txn.ID())
	}

	issued, err := txn.Certificates()
	if err != nil {
		return err
	}
	if err := cryptoutils.VerifyCertificate(key, issued[0], ""); err != nil {
		return fmt.Errorf("issued certificate does not match the request: %w", err)
	}
	logger.Info("Certificate issued",
		"subject", issued[0].Subject.String(),
		"serial", issued[0].SerialNumber.String(),
		"notAfter", issued[0].NotAfter)

	bundle := cryptoutils.NewTLSCert(issued...)
	if uris := cCtx.StringSlice("store"); len(uris) > 0 {
		var clientCert *tls.Certificate
		if cCtx.Bool("vault-client-cert") {
			clientCert = tlsCertificate(issued, key)
		}
		if err := deposit(ctx, txn.ID(), uris, bundle, keyPEM, cCtx.Bool("store-key"), clientCert, logger); err != nil {
			return err
		}
	}

	return writeOutput(cCtx, cCtx.String("out"), bundle)
}

// awaitOutcome sends the request and polls while the server reports PENDING.
func awaitOutcome(ctx context.Context, txn interfaces.Transaction, interval time.Duration, attempts int, logger *slog.Logger) (interfaces.TransactionState, error) {
	state, err := txn.Send(ctx)
	if err != nil {
		return state, err
	}

	for i := 0; state == interfaces.StatePending && i < attempts; i++ {
		logger.Info("Request pending, waiting before polling", "interval", interval, "attempt", i+1)
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(interval):
		}

		state, err = txn.Poll(ctx)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

func deposit(ctx context.Context, id interfaces.TransactionID, uris []string, bundle cryptoutils.TLSCert, keyPEM cryptoutils.RSAPrivkey, storeKey bool, clientCert *tls.Certificate, logger *slog.Logger) error {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return err
		}
		locations = append(locations, loc)
	}

	factory := storage.NewStoreFactory(logger)
	if clientCert != nil {
		factory = factory.WithClientCertificate(clientCert)
	}
	store, err := factory.CreateMultiStore(locations)
	if err != nil {
		return err
	}

	if err := store.Store(ctx, id, interfaces.CertificateKind, bundle); err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}
	if storeKey {
		if err := store.Store(ctx, id, interfaces.PrivateKeyKind, keyPEM); err != nil {
			return fmt.Errorf("failed to store private key: %w", err)
		}
	}

	logger.Info("Credentials stored", "location", store.LocationURI(), "transactionID", id.String())
	return nil
}

func loadOrGenerateKey(path string, bits int, logger *slog.Logger) (*rsa.PrivateKey, cryptoutils.RSAPrivkey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		keyPEM := cryptoutils.RSAPrivkey(data)
		key, err := keyPEM.GetPrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key file %s: %w", path, err)
		}
		return key, keyPEM, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}

	logger.Info("Generating RSA key", "path", path, "bits", bits)
	key, err := cryptoutils.GenerateRSAKey(bits)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := cryptoutils.NewRSAPrivkey(key)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, keyPEM, nil
}

func tlsCertificate(chain []*x509.Certificate, key *rsa.PrivateKey) *tls.Certificate {
	cert := &tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert
}

func writeOutput(cCtx *cli.Context, path string, data []byte) error {
	if path == "" {
		_, err := cCtx.App.Writer.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
