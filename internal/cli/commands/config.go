package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chanfs/internal/chunk"
	"chanfs/internal/config"
)

var configGenerateKey bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Writes a commented default configuration to ~/.chanfs/config.yaml (or the
--config path). An existing file is left alone.

With --generate-key, a new master key is generated and encryption is enabled.
The file is then rewritten without its comments.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configGenerateKey, "generate-key", false, "Generate an encryption key and enable encryption")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	out := cmd.OutOrStdout()

	created, err := config.Init(configPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Initialized configuration in %s\n", path)
	} else {
		fmt.Fprintf(out, "%s already exists (not modified)\n", path)
	}
	if !configGenerateKey {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Encryption.Enabled {
		return fmt.Errorf("encryption is already enabled in %s", path)
	}
	key, err := chunk.GenerateKey()
	if err != nil {
		return err
	}
	cfg.Encryption.Enabled = true
	cfg.Encryption.Key = config.KeyHex(key)
	cfg.Encryption.KeyFile = ""
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintln(out, "  generated encryption key (keep a copy; files cannot be read without it)")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Backend.Token != "" {
		cfg.Backend.Token = "<redacted>"
	}
	if cfg.Encryption.Key != "" {
		cfg.Encryption.Key = "<redacted>"
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
