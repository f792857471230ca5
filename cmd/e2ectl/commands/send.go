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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	e2ecrypto "github.com/jobtrail/e2ecore/client/crypto"
	"github.com/jobtrail/e2ecore/client/group"
	"github.com/jobtrail/e2ecore/client/keys"
	"github.com/jobtrail/e2ecore/models"
)

// send <conversation> <message>: encrypt and send.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and send a message to a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, text := args[0], args[1]

			ks, gs, err := session()
			if err != nil {
				return err
			}
			defer ks.Clear()
			defer gs.Clear()

			// Secrets stay owned by the service caches; Clear wipes them.
			secret, keyVersion, err := conversationSecret(cmd.Context(), conversationID, ks, gs)
			if err != nil {
				return err
			}

			sealed, err := e2ecrypto.EncryptMessage([]byte(text), secret)
			if err != nil {
				return err
			}

			msg, err := client.SendMessage(cmd.Context(), conversationID, sealed.Ciphertext, sealed.IV, keyVersion)
			if err != nil {
				return err
			}
			fmt.Printf("sent seq=%d id=%s\n", msg.Seq, msg.ID)
			return nil
		},
	}
}

// conversationSecret resolves the symmetric key for sending: the pair
// secret for direct conversations, the current group key otherwise.
func conversationSecret(ctx context.Context, conversationID string, ks *keys.Service, gs *group.Service) ([]byte, int, error) {
	conv, members, err := client.Conversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	if conv.Type == models.ConversationDirect {
		counterpart := ""
		for _, m := range members {
			if m.UserID != userID {
				counterpart = m.UserID
				break
			}
		}
		if counterpart == "" {
			return nil, 0, fmt.Errorf("no counterpart in conversation %s", conversationID)
		}
		secret, err := ks.SharedSecretWith(ctx, conversationID, counterpart)
		if err != nil {
			return nil, 0, err
		}
		return secret, 1, nil
	}

	key, err := gs.GroupKeyFor(ctx, conversationID, conv.KeyVersion)
	if err != nil {
		return nil, 0, err
	}
	return key, conv.KeyVersion, nil
}
