package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	sdauploader "github.com/CSCfi/sda-uploader"
)

// options is everything the command reads from flags, SDA_* environment
// variables and the optional config file.
type options struct {
	Hostname             string   `mapstructure:"hostname"`
	Port                 int      `mapstructure:"port"`
	Username             string   `mapstructure:"username"`
	UserPassword         string   `mapstructure:"user-password"`
	IdentityFile         string   `mapstructure:"identity-file"`
	IdentityFilePassword string   `mapstructure:"identity-file-password"`
	Overwrite            bool     `mapstructure:"overwrite"`
	PrivateKey           string   `mapstructure:"private-key"`
	PrivateKeyPassword   string   `mapstructure:"private-key-password"`
	PublicKey            string   `mapstructure:"public-key"`
	Destination          string   `mapstructure:"destination"`
	RemoteRoot           string   `mapstructure:"remote-root"`
	Exclude              []string `mapstructure:"exclude"`
	SkipSymlinks         bool     `mapstructure:"skip-symlinks"`
	ChunkSize            int      `mapstructure:"chunk-size"`
	Timeout              string   `mapstructure:"timeout"`
	IOTimeout            string   `mapstructure:"io-timeout"`
	ConnectRetries       int      `mapstructure:"connect-retries"`
	KnownHosts           string   `mapstructure:"known-hosts"`
	InsecureIgnoreHost   bool     `mapstructure:"insecure-ignore-host-key"`
	LogLevel             string   `mapstructure:"log-level"`
	LogFormat            string   `mapstructure:"log-format"`
	LogFile              string   `mapstructure:"log-file"`
	LogMaxSizeMB         int      `mapstructure:"log-max-size"`
	LogMaxBackups        int      `mapstructure:"log-max-backups"`
}

func registerFlags(fs *pflag.FlagSet) {
	fs.StringP("hostname", "H", "", "SFTP server hostname")
	fs.IntP("port", "p", sdauploader.DefaultPort, "SFTP server port number")
	fs.StringP("username", "u", "", "SFTP server username")
	fs.String("user-password", "", "password for username, prompted if not set and no identity file is used")
	fs.StringP("identity-file", "i", "", "RSA or Ed25519 private key (identity file) for SFTP authentication")
	fs.String("identity-file-password", "", "password for the identity file, prompted if the key is encrypted")
	fs.BoolP("overwrite", "o", false, "rewrite remote files from the start instead of resuming")
	fs.String("private-key", "", "Crypt4GH sender private key, a one-time key is generated if not set")
	fs.String("private-key-password", "", "password for the Crypt4GH sender private key, prompted if not set")
	fs.String("public-key", "", "Crypt4GH recipient public key, required for encryption")
	fs.String("destination", "", "remote path of a single-file upload (default: the file name)")
	fs.String("remote-root", sdauploader.DefaultRemoteRoot, "remote directory that directory uploads are placed under")
	fs.StringSlice("exclude", nil, "glob patterns skipped during directory uploads")
	fs.Bool("skip-symlinks", false, "do not follow symlinked files during directory uploads")
	fs.Int("chunk-size", sdauploader.DefaultChunkSize, "bytes sent per SFTP write")
	fs.String("timeout", "5s", "connect timeout of each authentication attempt, in seconds or as a duration")
	fs.String("io-timeout", "0", "abort a read or write on the connection after this long, 0 disables")
	fs.Int("connect-retries", 3, "retries of transient connection failures when opening the session")
	fs.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	fs.Bool("insecure-ignore-host-key", false, "skip SSH host key verification")
	fs.String("config", "", "YAML config file")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "console", "log format: console or json")
	fs.String("log-file", "", "also write logs to this file, rotated by size")
	fs.Int("log-max-size", 50, "log file size in MiB before rotation")
	fs.Int("log-max-backups", 3, "rotated log files to keep")
}

// loadOptions layers the config file, SDA_* environment variables and flags.
// SFTP_TIMEOUT is honoured for the connect timeout.
func loadOptions(fs *pflag.FlagSet) (*options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SDA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if err := v.BindEnv("timeout", "SDA_TIMEOUT", "SFTP_TIMEOUT"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(sdauploader.ExpandPath(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var o options
	if err := v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &o, nil
}

// validate checks the options before anything touches the network.
func (o *options) validate(target string) error {
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("could not find upload target %s", target)
	}
	if o.PublicKey == "" {
		return errors.New("encryption requires recipient public key")
	}
	for _, f := range []string{o.PublicKey, o.IdentityFile, o.PrivateKey} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(sdauploader.ExpandPath(f)); err != nil {
			return fmt.Errorf("could not find file %s", f)
		}
	}
	if o.Hostname == "" {
		return errors.New("SFTP server hostname must not be empty")
	}
	if o.Username == "" {
		return errors.New("SFTP server username must not be empty")
	}
	if _, err := parseTimeout(o.Timeout); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if _, err := parseTimeout(o.IOTimeout); err != nil {
		return fmt.Errorf("invalid io-timeout: %w", err)
	}
	return nil
}

// config turns the options into the pipeline configuration.
func (o *options) config() sdauploader.Config {
	probe, _ := parseTimeout(o.Timeout)
	io, _ := parseTimeout(o.IOTimeout)

	retry := sdauploader.DefaultRetryConfig()
	retry.MaxRetries = o.ConnectRetries

	symlinks := sdauploader.SymlinkFollow
	if o.SkipSymlinks {
		symlinks = sdauploader.SymlinkSkip
	}

	return sdauploader.Config{
		Endpoint: sdauploader.Endpoint{
			Host: o.Hostname,
			Port: o.Port,
			User: o.Username,
		},
		ProbeTimeout:          probe,
		IOTimeout:             io,
		ChunkSize:             o.ChunkSize,
		KnownHostsFile:        o.KnownHosts,
		InsecureIgnoreHostKey: o.InsecureIgnoreHost,
		RemoteRoot:            o.RemoteRoot,
		ExcludePatterns:       o.Exclude,
		SymlinkPolicy:         symlinks,
		ConnectRetry:          retry,
	}
}

func (o *options) mode() sdauploader.WriteMode {
	if o.Overwrite {
		return sdauploader.Overwrite
	}
	return sdauploader.Resume
}

// parseTimeout accepts whole seconds ("5") or a Go duration ("1m30s").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%q is negative", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%q is negative", s)
	}
	return d, nil
}
