/*
Stratumkeys manages the keys and certificates of a stratumproxy.

	$ stratumkeys
	usage: stratumkeys { authority | static | pubkey | certify | verify }

A relay accepting encrypted Stratum V2 connections presents a static key and a
certificate for it. Miners trust the authority that signed the certificate,
not the static key itself.

Authority

Create an authority key. The secret key is written to a file readable only by
its owner, the public key is printed. Miners are configured with it:

	$ stratumkeys authority authority.key
	u2MBNUz0m3kG4W3UyUjHY4Ibsb4Kgt-T4KL_yaDcHQE

Static

Create the static key of the relay:

	$ stratumkeys static server.key
	dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

Pubkey

Print the public key of a static key:

	$ stratumkeys pubkey < server.key
	dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

Certify

Issue a certificate for the static key, valid for a year:

	$ stratumkeys certify -authority authority.key -key server.key -validity 8760h server.cert

Configure the relay with the certificate and the static key:

	[Noise]
	CertificateFile = "server.cert"
	SecretKeyFile = "server.key"

Verify

Check a certificate against an authority public key at the current time:

	$ stratumkeys verify -authority u2MBNUz0m3kG4W3UyUjHY4Ibsb4Kgt-T4KL_yaDcHQE server.cert
	valid until 2027-10-16 12:00:00 +0000 UTC
*/
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/auth"
)

func main() {
	root := &cobra.Command{
		Use:   "stratumkeys",
		Short: "Manage stratumproxy keys and certificates",
	}
	root.AddCommand(authorityCommand(), staticCommand(), pubkeyCommand(), certifyCommand(), verifyCommand())

	if err := fang.Execute(context.Background(), root, fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

func authorityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authority file",
		Short: "Create an authority key, print its public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, secret, err := auth.GenerateAuthorityKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := auth.WriteAuthoritySecretKeyFile(args[0], secret); err != nil {
				return xerrors.Errorf("writing authority key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pub)
			return err
		},
	}
}

func staticCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "static file",
		Short: "Create a static key, print its public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GenerateStaticKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := auth.WriteStaticKeyFile(args[0], key); err != nil {
				return xerrors.Errorf("writing static key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), auth.PublicKey(key.Public))
			return err
		},
	}
}

func pubkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey < file",
		Short: "Print the public key of a static key read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := io.ReadAll(base64.NewDecoder(base64.RawURLEncoding, cmd.InOrStdin()))
			if err != nil {
				return xerrors.Errorf("reading private key: %w", err)
			}
			key, err := auth.ParseStaticKey(buf)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), auth.PublicKey(key.Public))
			return err
		},
	}
}

func certifyCommand() *cobra.Command {
	var authorityFile, keyFile string
	var validity time.Duration
	cmd := &cobra.Command{
		Use:   "certify -authority file -key file certificate",
		Short: "Issue a certificate for a static key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := auth.ReadAuthoritySecretKeyFile(authorityFile)
			if err != nil {
				return xerrors.Errorf("reading authority key: %w", err)
			}
			key, err := auth.ReadStaticKeyFile(keyFile)
			if err != nil {
				return xerrors.Errorf("reading static key: %w", err)
			}
			now := time.Now()
			cert, err := auth.Issue(secret, key.Public, now, now.Add(validity))
			if err != nil {
				return err
			}
			return auth.WriteCertificateFile(args[0], cert)
		},
	}
	cmd.Flags().StringVar(&authorityFile, "authority", "authority.key", "authority secret key file")
	cmd.Flags().StringVar(&keyFile, "key", "server.key", "static secret key file")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "validity of the certificate from now")
	return cmd
}

func verifyCommand() *cobra.Command {
	var authority string
	cmd := &cobra.Command{
		Use:   "verify -authority public-key certificate",
		Short: "Verify a certificate at the current time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := auth.ParseAuthorityPublicKey(authority)
			if err != nil {
				return err
			}
			cert, err := auth.ReadCertificateFile(args[0])
			if err != nil {
				return err
			}
			if err := auth.Verify(pub, cert, cert.PublicKey, time.Now()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "valid until %s\n", time.Unix(int64(cert.NotValidAfter), 0).UTC())
			return err
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "", "authority public key")
	cmd.MarkFlagRequired("authority")
	return cmd
}
