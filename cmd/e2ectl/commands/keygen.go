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

package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
)

// keygen: generate an identity key pair and publish the public half.
func keygenCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key pair and publish the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(keyFile); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace)", keyFile)
			}

			kp, err := e2ecrypto.GenerateKeyPair()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
				return err
			}
			encoded := base64.StdEncoding.EncodeToString(kp.Private.Bytes())
			if err := os.WriteFile(keyFile, []byte(encoded+"\n"), 0o600); err != nil {
				return err
			}

			portable, err := e2ecrypto.ExportPublicKey(kp.Public)
			if err != nil {
				return err
			}
			if err := client.PublishPublicKey(cmd.Context(), portable); err != nil {
				return fmt.Errorf("key saved locally but publish failed: %w", err)
			}

			fmt.Printf("identity written to %s\n", keyFile)
			fmt.Printf("published %s key x=%s y=%s\n", portable.Curve, portable.X, portable.Y)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
