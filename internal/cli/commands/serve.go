package commands

import (
	"github.com/spf13/cobra"

	"chanfs/internal/daemon"
)

var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tree over NFS",
	Long: `Runs the chanfs daemon in the foreground. The tree is rebuilt from the
metadata channel, then exported over NFS on nfs.listen until interrupted.

Examples:
  chanfs serve
  chanfs serve --logging debug
  mount -t nfs -o port=11049,mountport=11049,nfsvers=3,tcp 127.0.0.1:/ /mnt/chanfs`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveLogLevel, "logging", "", "Log level override: trace, debug, info, warn, none")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}
	return daemon.New(cfg).Run()
}
