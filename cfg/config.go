// Package cfg declares the mount helper's Config struct and the
// cobra+viper+mapstructure plumbing that populates it: flags bound through
// spf13/pflag, read by spf13/viper, decoded into the struct by
// mitchellh/mapstructure with a custom hook for the octal mode type.
package cfg

// Octal is a file-mode-style value parsed from flags/config as an octal
// string ("0644").
type Octal uint32

// Config holds every setting the mount helper needs.
type Config struct {
	Device   string `mapstructure:"device"`
	ReadOnly bool   `mapstructure:"read-only"`
	Debug    bool   `mapstructure:"debug"`
	LogFile  string `mapstructure:"log-file"`

	// PresentUID/PresentGID are decoded from --uid/--gid. The mount path
	// does not read them: inodes report their on-disk uid/gid.
	PresentUID uint32 `mapstructure:"uid"`
	PresentGID uint32 `mapstructure:"gid"`

	// DirMode/FileMode are decoded from --dir-mode/--file-mode. The mount
	// path does not read them: inodes report their on-disk mode.
	DirMode  Octal `mapstructure:"dir-mode"`
	FileMode Octal `mapstructure:"file-mode"`
}

// Default returns the configuration's zero-flag defaults.
func Default() Config {
	return Config{
		DirMode:  0755,
		FileMode: 0644,
	}
}
