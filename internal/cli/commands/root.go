// Copyright 2026 chanfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"chanfs/internal/config"
	"chanfs/internal/daemon"
	"chanfs/internal/metrics"
	"chanfs/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configPath is the --config flag; empty uses the default location.
var configPath string

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "chanfs",
	Short: "A filesystem stored in chat channel attachments",
	Long: `chanfs stores files as chunked attachments in one chat channel and keeps
the folder tree as metadata messages in another. The tree is served over NFS
by 'chanfs serve'; the other commands work on it directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("chanfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.chanfs/config.yaml)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withService runs fn against a freshly loaded tree. The daemon lock is held
// for the duration so a running server and the CLI never publish at once.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service, report *service.LoadReport) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	lock := flock.New(config.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return errors.New("the daemon is running; use the NFS export instead")
	}
	defer lock.Unlock()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stack, err := daemon.Open(ctx, cfg, metrics.New())
	if err != nil {
		return err
	}
	defer stack.Close()

	report, err := stack.Service.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tree: %w", err)
	}
	return fn(ctx, stack.Service, report)
}
