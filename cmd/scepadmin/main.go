package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/scep-client/scepserver"
	"github.com/urfave/cli/v2"
)

var flagServer = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080/admin",
	EnvVars: []string{"SCEP_ADMIN_URL"},
	Usage:   "admin API address of the SCEP server",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "path to admin public key",
}
var flagAdminsConfig = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "admin keys file for scepserver --admin-keys-file",
}
var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
}

var clientFlags = []cli.Flag{flagServer, flagAdminPrivkey, flagAdminPubkey, flagTimeout}

func main() {
	app := &cli.App{
		Name:           "scepadmin",
		Usage:          "Manage admin keys and decide pending SCEP requests",
		DefaultCommand: "pending",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "generate an admin key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := scepserver.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0644); err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, scepserver.AdminID(publicKeyPEM))
					return nil
				},
			},
			{
				Name:  "generate-admins-config",
				Usage: "collect admin public keys into an admin keys file",
				Flags: []cli.Flag{
					flagAdminsConfig,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := scepserver.AdminKeysConfig{}
					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, scepserver.AdminMetadata{
							ID:     scepserver.AdminID(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminsConfig.Name), configBytes, 0644)
				},
			},
			{
				Name:  "pending",
				Usage: "list pending transaction ids",
				Flags: clientFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					pending, err := client.Pending(cCtx.Context)
					if err != nil {
						return err
					}
					for _, id := range pending {
						fmt.Fprintln(cCtx.App.Writer, id)
					}
					return nil
				},
			},
			{
				Name:      "approve",
				Usage:     "issue the certificate for a pending request",
				ArgsUsage: "<transaction-id>",
				Flags:     clientFlags,
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return cli.Exit("expected one transaction id", 2)
					}
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					certPEM, err := client.Approve(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					_, err = cCtx.App.Writer.Write(certPEM)
					return err
				},
			},
			{
				Name:      "deny",
				Usage:     "reject a pending request",
				ArgsUsage: "<transaction-id>",
				Flags:     clientFlags,
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return cli.Exit("expected one transaction id", 2)
					}
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.Deny(cCtx.Context, cCtx.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func adminClient(cCtx *cli.Context) (*scepserver.AdminClient, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}
	privateKey, err := scepserver.ParseAdminPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	return scepserver.NewAdminClient(
		cCtx.String(flagServer.Name),
		scepserver.AdminID(publicKeyPEM),
		privateKey,
		cCtx.Duration(flagTimeout.Name),
	), nil
}
