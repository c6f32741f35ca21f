package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/andrewchambers/nsfs"
	"github.com/andrewchambers/nsfs/cli"
	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
)

var (
	mkfsOverwrite bool
	mkfsRootMode  uint32
	mkfsRootUid   uint32
	mkfsRootGid   uint32

	rmfsForce bool

	gcRemovalDelay time.Duration
	gcClientExpiry time.Duration
	gcConcurrency  int

	fsckRepair bool
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create the filesystem named by --fs-name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{}, func(ctx context.Context, env *cli.Env) error {
			return nsfs.Mkfs(ctx, env.Store, env.Config.Namespace.FsName, nsfs.MkfsOpts{
				Overwrite: mkfsOverwrite,
				RootMode:  mkfsRootMode,
				RootUid:   mkfsRootUid,
				RootGid:   mkfsRootGid,
			})
		})
	},
}

var rmfsCmd = &cobra.Command{
	Use:   "rmfs",
	Short: "Delete the filesystem named by --fs-name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{}, func(ctx context.Context, env *cli.Env) error {
			removed, err := nsfs.Rmfs(ctx, env.Store, env.Config.Namespace.FsName, nsfs.RmfsOpts{Force: rmfsForce})
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(os.Stderr, "filesystem %q did not exist\n", env.Config.Namespace.FsName)
			}
			return nil
		})
	},
}

var listFilesystemsCmd = &cobra.Command{
	Use:   "list-filesystems",
	Short: "List the filesystems in the namespace store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{}, func(ctx context.Context, env *cli.Env) error {
			filesystems, err := nsfs.ListFilesystems(ctx, env.Store)
			if err != nil {
				return err
			}
			for _, fsName := range filesystems {
				_, _ = fmt.Println(fsName)
			}
			return nil
		})
	},
}

var listClientsCmd = &cobra.Command{
	Use:   "list-clients",
	Short: "List the clients attached to --fs-name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{}, func(ctx context.Context, env *cli.Env) error {
			clients, err := nsfs.ListClients(ctx, env.Store, env.Config.Namespace.FsName)
			if err != nil {
				return err
			}

			sort.Slice(clients, func(i, j int) bool { return clients[i].AttachTimeUnix > clients[j].AttachTimeUnix })

			t := tabby.New()
			t.AddHeader("ID", "DESCRIPTION", "HOSTNAME", "PID", "ATTACHED", "HEARTBEAT")
			for _, info := range clients {
				t.AddLine(
					info.Id,
					info.Description,
					info.Hostname,
					fmt.Sprintf("%d", info.Pid),
					time.Unix(int64(info.AttachTimeUnix), 0).Format(time.Stamp),
					time.Since(time.Unix(int64(info.HeartBeatUnix), 0)).Round(time.Second).String()+" ago",
				)
			}
			t.Print()
			return nil
		})
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict CLIENT_ID...",
	Short: "Detach clients from --fs-name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{}, func(ctx context.Context, env *cli.Env) error {
			for _, clientId := range args {
				err := nsfs.EvictClient(ctx, env.Store, env.Config.Namespace.FsName, clientId)
				if err != nil {
					return fmt.Errorf("evicting %s: %w", clientId, err)
				}
			}
			return nil
		})
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphaned content and evict expired clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, cli.OpenOpts{Attach: true}, func(ctx context.Context, env *cli.Env) error {
			// A signal closes the client, which makes the pass below fail
			// promptly with a detached error.
			cli.RegisterSignalHandlers(env, func(err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "error disconnecting client: %s\n", err)
					os.Exit(1)
				}
				os.Exit(0)
			})

			stats, err := env.Fs.RemoveOrphans(ctx, nsfs.RemoveOrphansOpts{
				RemovalDelay: gcRemovalDelay,
				Concurrency:  gcConcurrency,
			})
			_, _ = fmt.Printf("OrphanRemovalCount: %d\n", stats.Removed)
			_, _ = fmt.Printf("OrphanFailureCount: %d\n", stats.Failed)
			_, _ = fmt.Printf("OrphanPendingCount: %d\n", stats.Pending)
			if err != nil {
				return fmt.Errorf("removing orphans: %w", err)
			}

			nEvicted, err := nsfs.EvictExpiredClients(ctx, env.Store, env.Fs.FsName(), nsfs.EvictExpiredClientsOpts{
				ClientExpiry: gcClientExpiry,
			})
			_, _ = fmt.Printf("ClientEvictionCount: %d\n", nEvicted)
			if err != nil {
				return fmt.Errorf("evicting expired clients: %w", err)
			}
			return nil
		})
	},
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check link counts and directory entries of --fs-name",
	Long: `Cross check inode records against directory entries. The check is only
exact while no other client is modifying the filesystem.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			report, err := fs.Fsck(ctx, nsfs.FsckOpts{RepairNlink: fsckRepair})
			if err != nil {
				return err
			}
			for _, p := range report.Problems {
				_, _ = fmt.Printf("inode %d: %s\n", p.Ino, p.Detail)
			}
			_, _ = fmt.Printf("Inodes: %d\n", report.Inodes)
			_, _ = fmt.Printf("Entries: %d\n", report.Entries)
			_, _ = fmt.Printf("Problems: %d\n", len(report.Problems))
			_, _ = fmt.Printf("Repaired: %d\n", report.Repaired)
			if len(report.Problems) != 0 && uint64(len(report.Problems)) != report.Repaired {
				return fmt.Errorf("%d unrepaired problems", uint64(len(report.Problems))-report.Repaired)
			}
			return nil
		})
	},
}

func init() {
	mkfsCmd.Flags().BoolVar(&mkfsOverwrite, "overwrite", false, "Replace an existing filesystem of the same name, queueing its content for gc.")
	mkfsCmd.Flags().Uint32Var(&mkfsRootMode, "root-mode", 0o755, "Permission bits of the root directory.")
	mkfsCmd.Flags().Uint32Var(&mkfsRootUid, "root-uid", 0, "Owner of the root directory.")
	mkfsCmd.Flags().Uint32Var(&mkfsRootGid, "root-gid", 0, "Group of the root directory.")

	rmfsCmd.Flags().BoolVar(&rmfsForce, "force", false, "Remove the filesystem even if it has files or attached clients.")

	gcCmd.Flags().DurationVar(&gcRemovalDelay, "removal-delay", 6*time.Hour, "Grace period before content of removed files is deleted.")
	gcCmd.Flags().DurationVar(&gcClientExpiry, "client-expiry", 6*time.Hour, "Grace period for unresponsive clients.")
	gcCmd.Flags().IntVar(&gcConcurrency, "concurrency", 8, "Parallel object removals.")

	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "Rewrite link counts that disagree with directory entries.")

	rootCmd.AddCommand(
		mkfsCmd,
		rmfsCmd,
		listFilesystemsCmd,
		listClientsCmd,
		evictCmd,
		gcCmd,
		fsckCmd,
	)
}
