package cfg

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindFlags declares every mount-helper flag on cmd and binds it into v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()

	flags.String("device", "", "path to the MINIX v3 block device or image file (required)")
	flags.Bool("read-only", false, "mount read-only, rejecting every mutating operation")
	flags.Bool("debug", false, "write debug logging to stderr")
	flags.String("log-file", "", "rotate logs to this path via lumberjack")
	flags.Uint32("uid", 0, "parsed but not applied; inodes report their on-disk uid")
	flags.Uint32("gid", 0, "parsed but not applied; inodes report their on-disk gid")
	flags.String("dir-mode", "0755", "parsed but not applied; directories report their on-disk mode (octal)")
	flags.String("file-mode", "0644", "parsed but not applied; regular files report their on-disk mode (octal)")

	for _, name := range []string{"device", "read-only", "debug", "log-file", "uid", "gid", "dir-mode", "file-mode"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("cfg: bind %s: %w", name, err)
		}
	}
	return nil
}

// Load decodes v's bound values into a Config, applying the Octal decode
// hook.
func Load(v *viper.Viper) (Config, error) {
	cfgOut := Default()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(octalDecodeHook),
		Result:     &cfgOut,
	})
	if err != nil {
		return Config{}, fmt.Errorf("cfg: build decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("cfg: decode: %w", err)
	}
	return cfgOut, nil
}

// Validate reports whether c is mountable.
func Validate(c Config) error {
	if c.Device == "" {
		return fmt.Errorf("cfg: --device is required")
	}
	return nil
}
