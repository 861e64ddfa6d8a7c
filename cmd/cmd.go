// Package cmd holds the auxiliary sub-commands of mail-crawler.
package cmd

import "github.com/spf13/cobra"

// Register adds every sub-command to root.
func Register(root *cobra.Command) {
	root.AddCommand(newClassifyCmd(), newSpamcCmd())
}
