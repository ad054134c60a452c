// Command hackage-tuf is the client-facing CLI: bootstrap, check-for-updates
// and download-package, with exit codes distinguishing verification
// failure (1), transport exhaustion (2) and misuse (3) from success (0).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hackage-trust/tuf-client-go/config"
	"github.com/hackage-trust/tuf-client-go/internal/logging"
)

// logrusLogger adapts a *logrus.Logger to the logging.Logger interface,
// folding key/value pairs into logrus.Fields.
type logrusLogger struct{ *logrus.Logger }

func (l logrusLogger) Info(msg string, kv ...any) {
	l.WithFields(fieldsOf(kv)).Info(msg)
}

func (l logrusLogger) Error(err error, msg string, kv ...any) {
	l.WithFields(fieldsOf(kv)).WithError(err).Error(msg)
}

func fieldsOf(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

// bootstrapCmdName is excluded from the strict "config file must already
// declare at least one mirror" requirement: bootstrap is how a fresh
// installation gets its first config, and may be given --mirror flags
// instead of a pre-existing file.
const bootstrapCmdName = "bootstrap"

const (
	exitSuccess           = 0
	exitVerificationError = 1
	exitTransportError    = 2
	exitMisuse            = 3
)

var (
	verbose    bool
	configPath string
	cfg        *config.ClientConfig
)

var rootCmd = &cobra.Command{
	Use:   "hackage-tuf",
	Short: "hackage-tuf - a client-side CLI for a Hackage-style secure package index",
	Long: `hackage-tuf implements the client workflow for a Hackage-style secure
package index built on The Update Framework: root-of-trust bootstrap,
signed metadata refresh, and verified package download.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			lg := logrus.New()
			lg.Out = os.Stderr
			lg.SetLevel(logrus.DebugLevel)
			logging.Set(logrusLogger{lg})
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			if cmd.Name() == bootstrapCmdName {
				// No usable config file yet is exactly the expected state
				// before the first bootstrap; fall back to compiled-in
				// defaults rather than failing before bootstrap even runs.
				cfg = config.Default()
				return nil
			}
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() int {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hackage-tuf.yaml", "path to the client configuration file")

	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitSuccess
}

// exitCodeFor maps a returned error to the exit code contract: 1 for a
// verification failure, 2 for a transport failure after every mirror was
// exhausted, 3 for everything else (bad flags, a misuse error raised by a
// command body), 0 only for a nil error, which never reaches here.
func exitCodeFor(err error) int {
	switch classifyErr(err) {
	case classVerification:
		return exitVerificationError
	case classTransport:
		return exitTransportError
	default:
		return exitMisuse
	}
}

func fail(msg string, args ...any) error {
	return fmt.Errorf(msg, args...)
}
