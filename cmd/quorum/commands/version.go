package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/version"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of Quorum",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
			if version.BuildDate != "" {
				fmt.Printf("built %s\n", version.BuildDate)
			}
		},
	}
}
