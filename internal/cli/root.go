package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd 不带子命令时等同于 serve
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "bgbyebye",
		Short:         "bg-bye-bye background removal backend",
		Long:          "bgbyebye serves the background removal API and tracks usage entitlements per client.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newHashKeyCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
