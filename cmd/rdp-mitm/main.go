package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rcarmo/go-rdp-mitm/internal/config"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
)

const appName = "RDP MITM"

// appVersion is overridden at build time with -ldflags "-X main.appVersion=...".
var appVersion = "v1.0.0"

type rootFlags struct {
	listen           int
	output           string
	destinationIP    string
	destinationPort  int
	privateKey       string
	certificate      string
	standardSecurity bool
	nla              bool
	username         string
	password         string
	logLevel         string
	configFile       string
	metricsListen    string
	adminListen      string
	redisAddr        string
}

func (f *rootFlags) loadOptions(args []string) config.LoadOptions {
	opts := config.LoadOptions{
		ConfigFile:       strings.TrimSpace(f.configFile),
		ListenPort:       f.listen,
		OutputDir:        strings.TrimSpace(f.output),
		LiveHost:         strings.TrimSpace(f.destinationIP),
		LivePort:         f.destinationPort,
		PrivateKey:       strings.TrimSpace(f.privateKey),
		Certificate:      strings.TrimSpace(f.certificate),
		StandardSecurity: f.standardSecurity,
		NLA:              f.nla,
		Username:         f.username,
		Password:         f.password,
		LogLevel:         normalizeLevel(f.logLevel),
		AdminListen:      strings.TrimSpace(f.adminListen),
		MetricsListen:    strings.TrimSpace(f.metricsListen),
		RedisAddr:        strings.TrimSpace(f.redisAddr),
	}
	if len(args) > 0 {
		opts.Target = strings.TrimSpace(args[0])
	}
	return opts
}

// normalizeLevel accepts the level names of the original tool as aliases.
func normalizeLevel(level string) string {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "warning":
		return "warn"
	case "critical":
		return "error"
	default:
		return level
	}
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "rdp-mitm [target[:port]]",
		Short: "Interactive RDP man-in-the-middle proxy",
		Long: `rdp-mitm accepts RDP clients, connects each one to the target and relays
the session while recording it. Credentials sent by the client are logged and
can be replaced before they reach the target.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithOverrides(flags.loadOptions(args))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(underscoreToDash)
	fs.IntVarP(&flags.listen, "listen", "l", 0, "port number to listen to (default 3389)")
	fs.StringVarP(&flags.output, "output", "o", "", "output folder for .rss recordings")
	fs.StringVarP(&flags.destinationIP, "destination-ip", "i", "", "live player address to stream events to; disabled when empty")
	fs.IntVarP(&flags.destinationPort, "destination-port", "d", 0, "live player port (default 3000)")
	fs.StringVarP(&flags.privateKey, "private-key", "k", "", "path to the TLS private key")
	fs.StringVarP(&flags.certificate, "certificate", "c", "", "path to the TLS certificate")
	fs.BoolVarP(&flags.standardSecurity, "standard-security", "r", false, "use RDP standard security toward the target (XP, 2003 and older)")
	fs.BoolVarP(&flags.nla, "nla", "n", false, "intercept NLA from clients and use it toward the target (needs -u and -p)")
	fs.StringVarP(&flags.username, "username", "u", "", "username sent to the target instead of the client's")
	fs.StringVarP(&flags.password, "password", "p", "", "password sent to the target instead of the client's")
	fs.StringVarP(&flags.logLevel, "log-level", "L", "", "log level (debug, info, warn, error)")
	fs.StringVar(&flags.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&flags.metricsListen, "metrics-listen", "", "address serving Prometheus metrics")
	fs.StringVar(&flags.adminListen, "admin-listen", "", "address serving the admin API and live view")
	fs.StringVar(&flags.redisAddr, "redis-addr", "", "publish the session catalog to this Redis server")

	cmd.AddCommand(newVersionCommand())

	return cmd
}

// underscoreToDash lets --destination_ip and --destination-ip name the same flag.
func underscoreToDash(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, appVersion)
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}
