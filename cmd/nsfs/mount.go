package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/andrewchambers/nsfs"
	"github.com/andrewchambers/nsfs/cli"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var (
	mountDebugFuse  bool
	mountAllowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount MOUNTPOINT",
	Short: "Serve --fs-name over FUSE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mntDir := args[0]
		return withEnv(cmd, cli.OpenOpts{Attach: true, Services: true}, func(ctx context.Context, env *cli.Env) error {
			server, err := fuse.NewServer(
				nsfs.NewFuseFs(env.Fs),
				mntDir,
				&fuse.MountOptions{
					Name:                 "nsfs",
					FsName:               env.Fs.FsName(),
					AllowOther:           mountAllowOther,
					IgnoreSecurityLabels: true,
					Debug:                mountDebugFuse,
					MaxWrite:             fuse.MAX_KERNEL_WRITE,
				})
			if err != nil {
				return fmt.Errorf("unable to create fuse server: %w", err)
			}

			go server.Serve()

			err = server.WaitMount()
			if err != nil {
				return fmt.Errorf("unable to wait for mount: %w", err)
			}
			env.Log.Info().Str("mountpoint", mntDir).Msg("mounted")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
			defer signal.Stop(sigChan)
			unmounted := make(chan struct{})
			defer close(unmounted)
			go func() {
				select {
				case sig := <-sigChan:
					env.Log.Info().Str("signal", sig.String()).Msg("unmounting due to signal")
					if err := server.Unmount(); err != nil {
						env.Log.Warn().Err(err).Msg("unmount failed")
					}
				case <-unmounted:
				}
			}()

			// Serve the file system until unmounted.
			server.Wait()
			return nil
		})
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountDebugFuse, "debug-fuse", false, "Log fuse messages.")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "Let users other than the mounter access the filesystem.")
	rootCmd.AddCommand(mountCmd)
}
