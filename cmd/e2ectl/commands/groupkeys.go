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

	"github.com/spf13/cobra"

	"github.com/jobtrail/e2ecore/client/group"
	"github.com/jobtrail/e2ecore/models"
)

// distribute <conversation>: generate and wrap a group key for every
// member at the conversation's current key version.
func distributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <conversation>",
		Short: "Generate and distribute a group key to all members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]

			ks, gs, err := session()
			if err != nil {
				return err
			}
			defer ks.Clear()
			defer gs.Clear()

			conv, members, err := client.Conversation(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			if conv.Type != models.ConversationGroup {
				return fmt.Errorf("%s is not a group conversation", conversationID)
			}

			groupKey, err := gs.GenerateGroupKey()
			if err != nil {
				return err
			}

			memberIDs := make([]string, 0, len(members))
			for _, m := range members {
				memberIDs = append(memberIDs, m.UserID)
			}
			result := gs.Distribute(cmd.Context(), groupKey, conversationID, conv.KeyVersion, memberIDs)
			printDistribution(conv.KeyVersion, result)
			return nil
		},
	}
}

// rotate <conversation>: bump the key version and redistribute to the
// remaining members. Run after removing a member.
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <conversation>",
		Short: "Rotate the group key and redistribute to current members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]

			ks, gs, err := session()
			if err != nil {
				return err
			}
			defer ks.Clear()
			defer gs.Clear()

			_, members, err := client.Conversation(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			memberIDs := make([]string, 0, len(members))
			for _, m := range members {
				memberIDs = append(memberIDs, m.UserID)
			}

			version, result, err := gs.Rotate(cmd.Context(), conversationID, memberIDs)
			if err != nil {
				return err
			}
			printDistribution(version, result)
			return nil
		},
	}
}

func printDistribution(version int, result group.DistributionResult) {
	fmt.Printf("key version %d: %d delivered, %d pending\n",
		version, len(result.Successful), len(result.Pending))
	for _, member := range result.Pending {
		fmt.Printf("  pending: %s\n", member)
	}
}
