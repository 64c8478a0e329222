package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to upper-cased flag names to build the environment variable name
const EnvPrefix = "KANAIME_"

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix KANAIME_.
// Flags explicitly set on the command line win.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	apply := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}

			// E.g. log-level -> KANAIME_LOG_LEVEL
			envName := EnvPrefix + flagNameToUpper(f.Name)
			value, present := os.LookupEnv(envName)
			if !present {
				return
			}

			if err := flags.Set(f.Name, value); err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
			}
		})
	}

	apply(cmd.PersistentFlags())
	apply(cmd.Flags())
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
