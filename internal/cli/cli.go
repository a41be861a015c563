// Package cli builds the cobra command tree: the bare binary serves
// HTTP, while migrate and import are one-shot maintenance commands
// against the same metadata and blob stores.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hideki0403/ofuton-go/pkg/blobstore"
	"github.com/hideki0403/ofuton-go/pkg/metadata"
)

// Dependencies are the stores every subcommand needs, built once in
// cmd/ofuton/main.go and shared across the root command and its
// children.
type Dependencies struct {
	Metadata *metadata.Store
	Blobs    *blobstore.Store
	Logger   zerolog.Logger
}

// NewRootCommand builds the "ofuton" command tree. Invoked with no
// subcommand it runs serve; migrate and import are registered as
// children.
func NewRootCommand(serve func() error, deps Dependencies) *cobra.Command {
	root := &cobra.Command{
		Use:   "ofuton",
		Short: "ofuton object storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(newMigrateCommand(deps))
	root.AddCommand(newImportCommand(deps))

	return root
}

// confirm prompts the user with a Y/N question on stdin, defaulting
// to "no" on anything but an explicit "y" or "yes".
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
