package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chanfs/internal/common"
	"chanfs/internal/service"
	"chanfs/internal/vfs"
)

var (
	lsLong      bool
	lsRecursive bool
	putParents  bool
	mkdirParent bool
	rmRecursive bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var putCmd = &cobra.Command{
	Use:   "put <local> <remote>",
	Short: "Upload a local file",
	Long: `Uploads a local file, replacing any file at the remote path. A remote path
ending in '/' or naming a folder receives the local file name. Use '-' to
read from stdin.

Examples:
  chanfs put report.pdf /docs/
  chanfs put -p notes.txt /a/b/notes.txt
  tar c . | chanfs put - /backup.tar`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <remote> [local]",
	Short: "Download a file",
	Long: `Downloads a file. The local path defaults to the remote file name in the
current directory; '-' writes to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create folders",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMkdir,
}

var mvCmd = &cobra.Command{
	Use:   "mv <src> <dst>",
	Short: "Move or rename a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runMv,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Delete files or folders",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Show size and modification time")
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "R", false, "List subfolders recursively")
	putCmd.Flags().BoolVarP(&putParents, "parents", "p", false, "Create missing parent folders")
	mkdirCmd.Flags().BoolVarP(&mkdirParent, "parents", "p", false, "Create missing parent folders")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Delete folders and their contents")
	rootCmd.AddCommand(lsCmd, putCmd, getCmd, mkdirCmd, mvCmd, rmCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		e, err := svc.Stat(target)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if !e.Dir {
			printEntry(w, e, e.Name)
			return nil
		}
		if !lsRecursive {
			children, err := svc.ReadDir(target)
			if err != nil {
				return err
			}
			for _, c := range children {
				printEntry(w, c, c.Name)
			}
			return nil
		}
		base := e.Path
		return svc.Walk(target, vfs.PreOrder, func(c vfs.Entry) error {
			if c.Path == base {
				return nil
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(c.Path, base), common.Separator)
			printEntry(w, c, rel)
			return nil
		})
	})
}

func printEntry(w io.Writer, e vfs.Entry, name string) {
	if e.Dir {
		name += "/"
	}
	if !lsLong {
		fmt.Fprintln(w, name)
		return
	}
	kind := "-"
	if e.Dir {
		kind = "d"
	}
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind, e.Size, e.ModifiedAt.Local().Format("2006-01-02 15:04"), name)
}

func runPut(cmd *cobra.Command, args []string) error {
	local, remote := args[0], args[1]

	var src io.Reader = cmd.InOrStdin()
	if local != "-" {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		dst := remote
		if local != "-" {
			if strings.HasSuffix(remote, common.Separator) {
				dst = common.JoinPath(common.NormalizePath(remote), filepath.Base(local))
			} else if e, err := svc.Stat(remote); err == nil && e.Dir {
				dst = common.JoinPath(e.Path, filepath.Base(local))
			}
		}
		if putParents {
			if err := svc.MkdirAll(ctx, common.ParentPath(common.NormalizePath(dst))); err != nil {
				return err
			}
		}
		e, err := svc.WriteFile(ctx, dst, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%d bytes, %d chunks)\n", e.AbsPath(), e.Size, len(e.Manifest))
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	remote := args[0]
	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		r, e, err := svc.OpenRead(ctx, remote)
		if err != nil {
			return err
		}
		defer r.Close()

		local := e.Name
		if len(args) > 1 {
			local = args[1]
		}
		if local == "-" {
			_, err := io.Copy(cmd.OutOrStdout(), r)
			return err
		}
		if fi, err := os.Stat(local); err == nil && fi.IsDir() {
			local = filepath.Join(local, e.Name)
		}

		f, err := os.Create(local)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(local)
			return fmt.Errorf("download %s: %w", e.AbsPath(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s (%d bytes)\n", e.AbsPath(), local, n)
		return nil
	})
}

func runMkdir(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		for _, p := range args {
			var err error
			if mkdirParent {
				err = svc.MkdirAll(ctx, p)
			} else {
				err = svc.Mkdir(ctx, p)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		src, dst := args[0], args[1]
		if e, err := svc.Stat(dst); err == nil && e.Dir {
			if s, err := svc.Stat(src); err == nil {
				dst = common.JoinPath(e.Path, s.Name)
			}
		}
		return svc.Move(ctx, src, dst)
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *service.Service, _ *service.LoadReport) error {
		for _, p := range args {
			e, err := svc.Stat(p)
			if err != nil {
				return err
			}
			if e.Dir && !rmRecursive {
				children, err := svc.ReadDir(p)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					return fmt.Errorf("%s: %w (use -r)", e.AbsPath(), common.ErrNotEmpty)
				}
			}
			if err := svc.Delete(ctx, p); err != nil {
				if errors.Is(err, common.ErrRemoteUnavailable) {
					return fmt.Errorf("%w; rerun to finish deleting", err)
				}
				return err
			}
		}
		return nil
	})
}
