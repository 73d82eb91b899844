// Command gatewayctl is the administrative CLI surface of §6: start the
// server, check health, rotate a client's keys, print the effective
// configuration, print the version — one spf13/cobra subcommand per verb,
// grounded on the teacher's retrieved warpcli rootCmd/AddCommand shape.
// Exit codes are fixed by §6: 0 success, 1 configuration invalid, 2
// runtime fatal, 3 shutdown timeout.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/cipherrelay/gateway/internal/config"
)

const (
	exitSuccess       = 0
	exitConfigInvalid = 1
	exitRuntimeFatal  = 2
)

var version = "v0.0.0-dev"

var (
	configPath string
	baseURL    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitRuntimeFatal)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Administrative CLI for the privacy-preserving FHE gateway",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8443", "gateway base URL for health/rotate commands")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(rotateKeysCmd)
	rootCmd.AddCommand(printConfigCmd)
	rootCmd.AddCommand(printVersionCmd)
}

// startCmd execs gatewayd with the same --config flag, rather than
// duplicating its init-order wiring here — gatewayctl's job is operator
// ergonomics, not a second copy of the server.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if _, err := config.Load(configPath); err != nil {
				fmt.Fprintln(os.Stderr, "invalid configuration:", err)
				os.Exit(exitConfigInvalid)
			}
		}
		binArgs := []string{}
		if configPath != "" {
			binArgs = append(binArgs, "-config", configPath)
		}
		exe, err := exec.LookPath("gatewayd")
		if err != nil {
			fmt.Fprintln(os.Stderr, "gatewayd not found on PATH:", err)
			os.Exit(exitRuntimeFatal)
		}
		c := exec.Command(exe, binArgs...)
		c.Stdout, c.Stderr, c.Stdin = os.Stdout, os.Stderr, os.Stdin
		if err := c.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				os.Exit(exitErr.ExitCode())
			}
			fmt.Fprintln(os.Stderr, "gatewayd exited with error:", err)
			os.Exit(exitRuntimeFatal)
		}
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway liveness and readiness",
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(baseURL + "/readyz")
		if err != nil {
			fmt.Fprintln(os.Stderr, "health check failed:", err)
			os.Exit(exitRuntimeFatal)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "gateway not ready: status %d\n", resp.StatusCode)
			os.Exit(exitRuntimeFatal)
		}
		fmt.Println("ok")
	},
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys <client-id>",
	Short: "Rotate a client's key pair",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(baseURL+"/v1/keys/"+args[0]+"/rotate", "application/json", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rotate-keys failed:", err)
			os.Exit(exitRuntimeFatal)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "rotate-keys failed: status %d\n", resp.StatusCode)
			os.Exit(exitRuntimeFatal)
		}
		fmt.Println("rotated")
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print the effective configuration (defaults applied) as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		var cfg *config.Config
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid configuration:", err)
				os.Exit(exitConfigInvalid)
			}
			cfg = loaded
		} else {
			cfg = &config.Config{}
			cfg.ApplyDefaults()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "failed to encode configuration:", err)
			os.Exit(exitRuntimeFatal)
		}
	},
}

var printVersionCmd = &cobra.Command{
	Use:   "print-version",
	Short: "Print gatewayctl's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
