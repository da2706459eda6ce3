// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with AUTHPIPE, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("AUTHPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/authpipe", "$HOME/.authpipe", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "authpipe",
		Short: "An HTTP service that runs every request through a composable authentication and authorization pipeline",
		Long: `An HTTP service that runs every request through a composable authentication and authorization pipeline.

Pipelines are declared in config.yaml as ordered steps (request context, cancellation, authentication,
rate limiting, role and permission checks, combined RBAC/PBAC/ReBAC authorization, validation, snapshots)
and bound to the service routes.`,
	}
}
