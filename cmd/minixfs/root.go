// Package main is the mount helper CLI: a cobra command that parses
// --device (and friends), mounts the filesystem via fsbridge+jacobsa/fuse,
// and blocks until the mount is unmounted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gsh20040816/minixfs/cfg"
	"github.com/gsh20040816/minixfs/fsbridge"
	"github.com/gsh20040816/minixfs/internal/minixlog"
	"github.com/gsh20040816/minixfs/minixfs"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "minixfs mount_point",
		Short: "Mount a MINIX v3 filesystem image via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cfg.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(c); err != nil {
				return err
			}
			return run(c, args[0])
		},
	}

	if err := cfg.BindFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func run(c cfg.Config, mountpoint string) error {
	logger := minixlog.New(minixlog.Options{
		Debug:    c.Debug,
		FilePath: c.LogFile,
		Prefix:   "minixfs: ",
	})

	fs, err := minixfs.Mount(c.Device, logger)
	if err != nil {
		return fmt.Errorf("mount %s: %w", c.Device, err)
	}

	bridge := fsbridge.New(fs, logger)
	bridge.ReadOnly = c.ReadOnly
	server := fuseutil.NewFileSystemServer(bridge)

	mountCfg := &fuse.MountConfig{
		ErrorLogger: logger,
	}

	mfs, err := fuse.Mount(mountpoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("fuse mount %s: %w", mountpoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = fuse.Unmount(mountpoint)
	}()

	return mfs.Join(context.Background())
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
