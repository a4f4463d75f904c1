package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultVerifierURL = "https://oauth2.googleapis.com/tokeninfo"

type Config struct {
	bind            string
	clientID        string
	database        string
	ledgerWriters   int
	locations       string
	metrics         bool
	port            int
	prefix          string
	profile         bool
	redisURL        string
	sessionTimeout  time.Duration
	sharedRounds    bool
	tlsCert         string
	tlsKey          string
	verbose         bool
	verifierTimeout time.Duration
	verifierURL     string
	version         bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.locations == "" {
		return errors.New("--locations must point to a location catalog")
	}
	if c.database == "" {
		return errors.New("--database must point to a score ledger file")
	}
	if c.ledgerWriters < 1 {
		return fmt.Errorf("invalid ledger writer count (must be at least 1): %d", c.ledgerWriters)
	}
	if c.verifierTimeout <= 0 {
		return fmt.Errorf("invalid verifier timeout (must be positive): %s", c.verifierTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WHEREBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "wherebox",
		Short:         "Serves rounds and keeps the leaderboard for a geography guessing game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServeAPI(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WHEREBOX_BIND)")
	fs.StringVar(&cfg.clientID, "client-id", "", "audience expected in verified credentials (env: WHEREBOX_CLIENT_ID)")
	fs.StringVarP(&cfg.database, "database", "d", "scores.db", "path to the sqlite score ledger (env: WHEREBOX_DATABASE)")
	fs.IntVar(&cfg.ledgerWriters, "ledger-writers", 4, "maximum concurrent score writes (env: WHEREBOX_LEDGER_WRITERS)")
	fs.StringVarP(&cfg.locations, "locations", "l", "locations.json", "path to the location catalog, json or yaml (env: WHEREBOX_LOCATIONS)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "expose prometheus metrics at /metrics (env: WHEREBOX_METRICS)")
	fs.IntVarP(&cfg.port, "port", "p", 4000, "port to listen on (env: WHEREBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: WHEREBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: WHEREBOX_PROFILE)")
	fs.StringVar(&cfg.redisURL, "redis-url", "", "share round sessions through redis instead of process memory (env: WHEREBOX_REDIS_URL)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle round sessions are forgotten (env: WHEREBOX_SESSION_TIMEOUT)")
	fs.BoolVar(&cfg.sharedRounds, "shared-rounds", false, "use one round session for every client (env: WHEREBOX_SHARED_ROUNDS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: WHEREBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: WHEREBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: WHEREBOX_VERBOSE)")
	fs.DurationVar(&cfg.verifierTimeout, "verifier-timeout", 10*time.Second, "timeout for credential verification calls (env: WHEREBOX_VERIFIER_TIMEOUT)")
	fs.StringVar(&cfg.verifierURL, "verifier-url", defaultVerifierURL, "token verification endpoint (env: WHEREBOX_VERIFIER_URL)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: WHEREBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("wherebox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
