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
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jobtrail/e2ecore/client/pipeline"
)

// recv <conversation>: decrypt and print history, optionally following
// the live stream.
func recvCmd() *cobra.Command {
	var follow bool
	var pageSize int

	cmd := &cobra.Command{
		Use:   "recv <conversation>",
		Short: "Decrypt and print conversation messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]

			ks, gs, err := session()
			if err != nil {
				return err
			}
			defer ks.Clear()
			defer gs.Clear()

			pipe := pipeline.New(userID, client, ks, gs, client, client, log)

			view, err := pipe.Open(cmd.Context(), conversationID, pipeline.Options{
				PageSize: pageSize,
				OnAppend: func(msg pipeline.DecryptedMessage) {
					if follow {
						printMessage(msg)
					}
				},
				OnUpdate: func(msg pipeline.DecryptedMessage) {
					if follow {
						fmt.Printf("-- updated --\n")
						printMessage(msg)
					}
				},
			})
			if err != nil {
				return err
			}
			defer view.Close()

			for _, msg := range view.Messages() {
				printMessage(msg)
			}

			if follow {
				stop := make(chan os.Signal, 1)
				signal.Notify(stop, os.Interrupt)
				<-stop
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep the stream open and print new messages")
	cmd.Flags().IntVar(&pageSize, "page-size", pipeline.DefaultPageSize, "history page size")
	return cmd
}

func printMessage(msg pipeline.DecryptedMessage) {
	name := msg.Sender.DisplayName
	if name == "" {
		name = msg.SenderID
	}
	switch {
	case msg.Deleted:
		fmt.Printf("%5d %s: [deleted]\n", msg.Seq, name)
	case msg.Undecryptable:
		fmt.Printf("%5d %s: [unable to decrypt]\n", msg.Seq, name)
	default:
		fmt.Printf("%5d %s: %s\n", msg.Seq, name, msg.Text)
	}
}
