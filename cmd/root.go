package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gptscript-ai/cmd"
	"github.com/spf13/cobra"

	"github.com/lorekeeper/mcp-bridge/pkg/bridge"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// RootCmd represents the base command when called without any subcommands.
// OIDC providers are configured separately through numbered OIDC_<n>_* env
// vars (n = 1..20), read by the provider registry at startup.
type RootCmd struct {
	// Auth configuration
	AuthMode string `name:"auth-mode" env:"AUTH_MODE" usage:"Which bearer types to accept: local, oidc, or both" default:"both"`
	APIURL   string `name:"api-url" env:"API_URL" usage:"Base URL of the Lorekeeper REST API used for token validation and JIT provisioning" required:"true"`

	// OAuth configuration
	AllowedRedirectHosts string `name:"allowed-redirect-hosts" env:"ALLOWED_REDIRECT_HOSTS" usage:"Comma-separated hosts allowed as OAuth redirect targets" default:"claude.ai,localhost,127.0.0.1"`
	PublicURL            string `name:"public-url" env:"PUBLIC_URL" usage:"Externally visible base URL of this bridge (used in OAuth metadata and upstream redirects)"`

	// Server configuration
	Port string `name:"port" env:"PORT" usage:"Port to run the server on" default:"8080"`
	Host string `name:"host" env:"HOST" usage:"Host to bind the server to" default:"0.0.0.0"`

	// Logging
	Verbose bool `name:"verbose,v" usage:"Enable verbose logging"`
	Version bool `name:"version" usage:"Show version information"`
}

func (c *RootCmd) Run(cobraCmd *cobra.Command, args []string) error {
	if c.Version {
		fmt.Printf("Lorekeeper MCP Bridge\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Built: %s\n", buildTime)
		return nil
	}

	if c.Verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}

	config := &types.Config{
		AuthMode:             c.AuthMode,
		APIURL:               c.APIURL,
		PublicURL:            c.PublicURL,
		AllowedRedirectHosts: splitHosts(c.AllowedRedirectHosts),
		Host:                 c.Host,
		Port:                 c.Port,
	}

	bridge.Version = version
	b, err := bridge.New(config)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Printf("Error closing bridge: %v", err)
		}
	}()

	if err := b.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	address := fmt.Sprintf("%s:%s", c.Host, config.Port)
	log.Printf("Starting MCP bridge on %s", address)
	log.Printf("Auth mode: %s", config.AuthMode)
	log.Printf("REST API: %s", config.APIURL)

	return http.ListenAndServe(address, b.GetHandler())
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(h); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}

// Customizer interface implementation for additional command customization
func (c *RootCmd) Customize(cobraCmd *cobra.Command) {
	cobraCmd.Use = "mcp-bridge"
	cobraCmd.Short = "Auth and session bridge between AI assistants and the Lorekeeper API"
	cobraCmd.Long = `The Lorekeeper MCP bridge lets an AI assistant act as a dungeon-master aid
against a Lorekeeper campaign server. It exposes the MCP tool endpoint behind
an OAuth 2.0 authorization-code flow with PKCE, accepts both local API tokens
and OIDC-provider JWTs, and manages the live tool-serving sessions.

Sessions, pending authorization codes, and PKCE state are kept in memory
only: restarting the bridge ends all sessions and aborts in-flight OAuth
exchanges.

Examples:
  # Local tokens only
  export API_URL="http://localhost:3000"
  export AUTH_MODE="local"
  mcp-bridge

  # Local tokens plus one OIDC provider
  export API_URL="http://localhost:3000"
  export OIDC_1_ISSUER_URL="https://accounts.google.com"
  export OIDC_1_CLIENT_ID="your-client-id"
  export OIDC_1_CLIENT_SECRET="your-secret"
  export OIDC_1_PROVIDER_NAME="Google"
  mcp-bridge`

	cobraCmd.Version = version
}

// Execute is the main entry point for the CLI
func Execute() error {
	rootCmd := &RootCmd{}
	cobraCmd := cmd.Command(rootCmd)
	return cobraCmd.Execute()
}
