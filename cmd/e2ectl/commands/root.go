// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package commands implements the e2ectl debugging CLI: a thin terminal
// client against the sync backend for exercising key publication, group
// key distribution and encrypted messaging end to end.
package commands

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/client/group"
	"github.com/jobtrail/e2ecore/client/keys"
	"github.com/jobtrail/e2ecore/client/transport"
)

var (
	serverURL string
	token     string
	userID    string
	keyFile   string

	client *transport.Client
	log    *zap.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:   "e2ectl",
		Short: "Encrypted messaging CLI for the JobTrail sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("E2E_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("token required (--token or E2E_TOKEN)")
			}
			if userID == "" {
				return fmt.Errorf("user required (--user)")
			}
			if keyFile == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				keyFile = filepath.Join(dir, ".e2ectl", "identity")
			}

			var err error
			log, err = zap.NewDevelopment()
			if err != nil {
				return err
			}
			client = transport.NewClient(serverURL, token, log)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8081", "backend base URL")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token (or E2E_TOKEN)")
	root.PersistentFlags().StringVar(&userID, "user", "", "your user ID")
	root.PersistentFlags().StringVar(&keyFile, "identity", "", "identity key file (default ~/.e2ectl/identity)")

	root.AddCommand(keygenCmd(), sendCmd(), recvCmd(), distributeCmd(), rotateCmd())
	return root.Execute()
}

// loadIdentity restores the key pair written by keygen.
func loadIdentity() (*e2ecrypto.KeyPair, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("no identity at %s, run keygen first: %w", keyFile, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity key: %w", err)
	}

	return &e2ecrypto.KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// session wires the client core services around the transport for one
// command invocation.
func session() (*keys.Service, *group.Service, error) {
	kp, err := loadIdentity()
	if err != nil {
		return nil, nil, err
	}

	ks := keys.NewService(client, log)
	ks.Establish(kp)
	gs := group.NewService(userID, ks, client, log)
	return ks, gs, nil
}
