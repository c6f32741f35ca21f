package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"time"

	"github.com/andrewchambers/nsfs"
	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
)

var (
	mkdirMode   uint32
	touchMode   uint32
	putMode     uint32
	rmRecursive bool
	mvNoClobber bool
)

// fileMode renders the type and permission bits the way ls does.
func fileMode(mode uint32) string {
	m := iofs.FileMode(mode & 0o777)
	switch mode & nsfs.S_IFMT {
	case nsfs.S_IFDIR:
		m |= iofs.ModeDir
	case nsfs.S_IFLNK:
		m |= iofs.ModeSymlink
	}
	if mode&nsfs.S_ISVTX != 0 {
		m |= iofs.ModeSticky
	}
	return m.String()
}

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := "/"
		if len(args) == 1 {
			p = args[0]
		}
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			dirStat, err := fs.Resolve(ctx, cred, p)
			if err != nil {
				return err
			}
			di, err := fs.IterDirEnts(ctx, cred, dirStat.Ino)
			if err != nil {
				return err
			}
			t := tabby.New()
			t.AddHeader("INO", "MODE", "NLINK", "SIZE", "MTIME", "NAME")
			for {
				ent, err := di.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				stat, err := fs.GetStat(ctx, ent.Ino)
				if errors.Is(err, nsfs.ErrNotExist) {
					// Removed since the listing was read.
					continue
				}
				if err != nil {
					return err
				}
				t.AddLine(stat.Ino, fileMode(stat.Mode), stat.Nlink, stat.Size, stat.Mtime().Format(time.Stamp), ent.Name)
			}
			t.Print()
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Show the inode record of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			stat, err := fs.Resolve(ctx, callerCredential(), args[0])
			if err != nil {
				return err
			}
			t := tabby.New()
			t.AddLine("Ino", stat.Ino)
			t.AddLine("Mode", fileMode(stat.Mode))
			t.AddLine("Nlink", stat.Nlink)
			t.AddLine("Uid", stat.Uid)
			t.AddLine("Gid", stat.Gid)
			t.AddLine("Size", stat.Size)
			if stat.IsDir() {
				t.AddLine("Parent", stat.Parent)
			}
			t.AddLine("Atime", stat.Atime().Format(time.RFC3339Nano))
			t.AddLine("Mtime", stat.Mtime().Format(time.RFC3339Nano))
			t.AddLine("Ctime", stat.Ctime().Format(time.RFC3339Nano))
			if stat.IsSymlink() {
				target, err := fs.ReadSymlink(ctx, stat.Ino)
				if err != nil {
					return err
				}
				t.AddLine("Target", string(target))
			}
			t.Print()
			return nil
		})
	},
}

// mknodCommand builds the commands that create a single inode.
func mknodCommand(use, short string, fileType uint32, mode *uint32) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
				cred := callerCredential()
				dirStat, name, err := resolveParent(ctx, fs, cred, args[0])
				if err != nil {
					return err
				}
				_, err = fs.Mknod(ctx, cred, dirStat.Ino, name, nsfs.MknodOpts{
					Mode: fileType | (*mode & nsfs.S_IPERMS),
					Uid:  cred.Uid,
					Gid:  cred.Gid,
				})
				return err
			})
		},
	}
}

var mkdirCmd = mknodCommand("mkdir PATH", "Create a directory", nsfs.S_IFDIR, &mkdirMode)

var touchCmd = mknodCommand("touch PATH", "Create an empty regular file", nsfs.S_IFREG, &touchMode)

var lnCmd = &cobra.Command{
	Use:   "ln EXISTING NEW",
	Short: "Create a hard link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			stat, err := fs.Resolve(ctx, cred, args[0])
			if err != nil {
				return err
			}
			dirStat, name, err := resolveParent(ctx, fs, cred, args[1])
			if err != nil {
				return err
			}
			_, err = fs.HardLink(ctx, cred, dirStat.Ino, stat.Ino, name)
			return err
		})
	},
}

var symlinkCmd = &cobra.Command{
	Use:   "symlink TARGET PATH",
	Short: "Create a symbolic link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			dirStat, name, err := resolveParent(ctx, fs, cred, args[1])
			if err != nil {
				return err
			}
			_, err = fs.Mknod(ctx, cred, dirStat.Ino, name, nsfs.MknodOpts{
				Mode:       nsfs.S_IFLNK | 0o777,
				Uid:        cred.Uid,
				Gid:        cred.Gid,
				LinkTarget: []byte(args[0]),
			})
			return err
		})
	},
}

// removeAll deletes name and, for a directory, everything below it.
func removeAll(ctx context.Context, fs *nsfs.Fs, cred *nsfs.Credential, dir uint64, name string) error {
	stat, err := fs.Lookup(ctx, cred, dir, name)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		ents, err := fs.ReadDir(ctx, cred, stat.Ino)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			err := removeAll(ctx, fs, cred, stat.Ino, ent.Name)
			if err != nil && !errors.Is(err, nsfs.ErrNotExist) {
				return err
			}
		}
	}
	return fs.Unlink(ctx, cred, dir, name)
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH...",
	Short: "Remove files and empty directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			for _, p := range args {
				dirStat, name, err := resolveParent(ctx, fs, cred, p)
				if err != nil {
					return err
				}
				if rmRecursive {
					err = removeAll(ctx, fs, cred, dirStat.Ino, name)
				} else {
					err = fs.Unlink(ctx, cred, dirStat.Ino, name)
				}
				if err != nil {
					return fmt.Errorf("removing %q: %w", p, err)
				}
			}
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Atomically rename SRC to DST, replacing DST if it exists",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			srcDir, srcName, err := resolveParent(ctx, fs, cred, args[0])
			if err != nil {
				return err
			}
			dstDir, dstName, err := resolveParent(ctx, fs, cred, args[1])
			if err != nil {
				return err
			}
			return fs.RenameWithOpts(ctx, cred, srcDir.Ino, srcName, dstDir.Ino, dstName, nsfs.RenameOpts{
				NoReplace: mvNoClobber,
			})
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put LOCAL_FILE PATH",
	Short: "Upload a local file, creating PATH if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			dirStat, name, err := resolveParent(ctx, fs, cred, args[1])
			if err != nil {
				return err
			}
			stat, err := fs.Lookup(ctx, cred, dirStat.Ino, name)
			if errors.Is(err, nsfs.ErrNotExist) {
				stat, err = fs.Mknod(ctx, cred, dirStat.Ino, name, nsfs.MknodOpts{
					Mode: nsfs.S_IFREG | (putMode & nsfs.S_IPERMS),
					Uid:  cred.Uid,
					Gid:  cred.Gid,
				})
			}
			if err != nil {
				return err
			}
			_, err = fs.WriteContent(ctx, cred, stat.Ino, f)
			return err
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat PATH",
	Short: "Write the content of a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFs(cmd, func(ctx context.Context, fs *nsfs.Fs) error {
			cred := callerCredential()
			stat, err := fs.Resolve(ctx, cred, args[0])
			if err != nil {
				return err
			}
			buf := make([]byte, 1024*1024)
			offset := uint64(0)
			for {
				n, err := fs.ReadContent(ctx, cred, stat.Ino, offset, buf)
				if n > 0 {
					if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
						return werr
					}
					offset += uint64(n)
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
			}
		})
	},
}

func init() {
	mkdirCmd.Flags().Uint32Var(&mkdirMode, "mode", 0o755, "Permission bits of the new directory, octal with a leading 0.")
	touchCmd.Flags().Uint32Var(&touchMode, "mode", 0o644, "Permission bits of the new file, octal with a leading 0.")
	putCmd.Flags().Uint32Var(&putMode, "mode", 0o644, "Permission bits if PATH is created, octal with a leading 0.")
	mvCmd.Flags().BoolVarP(&mvNoClobber, "no-clobber", "n", false, "Fail instead of replacing an existing DST.")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Remove directories and their contents.")

	rootCmd.AddCommand(
		lsCmd,
		statCmd,
		mkdirCmd,
		touchCmd,
		lnCmd,
		symlinkCmd,
		rmCmd,
		mvCmd,
		putCmd,
		catCmd,
	)
}
