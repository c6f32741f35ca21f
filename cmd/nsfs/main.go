package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/andrewchambers/nsfs"
	"github.com/andrewchambers/nsfs/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nsfs",
	Short: "Administer and use nsfs filesystems",
	Long: `nsfs keeps a POSIX style namespace in a transactional key value store
and file content in object storage.

Use "nsfs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cli.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// withEnv loads the config from the command's flags, starts the requested
// subsystems and runs f with them, closing everything afterwards.
func withEnv(cmd *cobra.Command, opts cli.OpenOpts, f func(ctx context.Context, env *cli.Env) error) (err error) {
	cfg, err := cli.LoadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	env, err := cli.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return f(ctx, env)
}

// withFs is withEnv for commands that operate on a single attached
// filesystem.
func withFs(cmd *cobra.Command, f func(ctx context.Context, fs *nsfs.Fs) error) error {
	return withEnv(cmd, cli.OpenOpts{Attach: true}, func(ctx context.Context, env *cli.Env) error {
		return f(ctx, env.Fs)
	})
}

// callerCredential acts with the identity of the invoking user.
func callerCredential() *nsfs.Credential {
	groups, _ := os.Getgroups()
	cred := &nsfs.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	for _, g := range groups {
		cred.Groups = append(cred.Groups, uint32(g))
	}
	return cred
}

// splitPath separates the final component of p from its directory.
func splitPath(p string) (string, string) {
	p = strings.TrimRight(p, "/")
	idx := strings.LastIndexByte(p, '/')
	if idx == -1 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// resolveParent looks up the directory that holds the last component of p.
func resolveParent(ctx context.Context, fs *nsfs.Fs, cred *nsfs.Credential, p string) (nsfs.Stat, string, error) {
	dir, name := splitPath(p)
	if name == "" {
		return nsfs.Stat{}, "", fmt.Errorf("%q has no final component: %w", p, nsfs.ErrInvalid)
	}
	dirStat, err := fs.Resolve(ctx, cred, dir)
	if err != nil {
		return nsfs.Stat{}, "", err
	}
	return dirStat, name, nil
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", err, nsfs.ErrorKind(err))
		os.Exit(1)
	}
}
