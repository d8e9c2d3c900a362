package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/coordinator"
	"github.com/brwyatt/dffmpeg/pkg/janitor"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Process exit codes.
const (
	exitOK     = 0
	exitConfig = 64 // configuration error
	exitInit   = 70 // internal initialization error
)

// configError marks a failure the operator caused (bad flag value, bad
// key ring entry) versus an initError the environment caused (port in
// use, unreachable database).
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }

type initError struct{ err error }

func (e initError) Error() string { return e.err.Error() }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch err.(type) {
		case configError:
			os.Exit(exitConfig)
		case initError:
			os.Exit(exitInit)
		default:
			os.Exit(exitConfig)
		}
	}
	os.Exit(exitOK)
}

var rootCmd = &cobra.Command{
	Use:   "dffmpeg-coordinatord",
	Short: "DFFmpeg Coordinator - distributed FFmpeg job manager",
	Long: `The DFFmpeg Coordinator accepts encode jobs from clients, schedules
them onto registered workers, and tracks their lifecycle. All durable
state lives in the configured database; any number of Coordinator
replicas may share it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"DFFmpeg Coordinator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	f := rootCmd.Flags()
	f.String("listen", ":8095", "HTTP listen address")
	f.String("storage", "bolt", "Storage engine (mem, bolt, sqlite3, postgres, mysql)")
	f.String("data-dir", "/var/lib/dffmpeg", "Data directory (bolt engine)")
	f.String("dsn", "", "Database connection string (SQL engines)")
	f.StringSlice("allowed-binaries", nil, "Logical binary names jobs may request (empty = unrestricted)")
	f.StringSlice("trusted-proxies", nil, "CIDRs whose X-Forwarded-For headers are honored")
	f.Duration("long-poll-timeout", 25*time.Second, "Long-poll cap for work and downlink endpoints")
	f.Duration("scheduler-tick", time.Second, "Scheduler base tick")
	f.Duration("janitor-tick", 10*time.Second, "Janitor sweep interval")
	f.Float64("worker-threshold-factor", 1.5, "Multiple of a worker's registration interval before it is considered lost")
	f.Duration("job-assignment-timeout", 30*time.Second, "How long a job may sit assigned before reverting to pending")
	f.Float64("job-heartbeat-threshold-factor", 1.5, "Multiple of a job's heartbeat interval before it is considered lost")
	f.Duration("job-pending-timeout", 30*time.Second, "How long a job may sit pending before failing with no_eligible_worker")
	f.StringArray("key", nil, "Key ring entry as key_id=hex(32-byte secret); repeatable")
	f.String("default-key-id", "", "Key ring entry new HMAC keys are encrypted under (empty = plaintext)")
	f.String("mqtt-broker", "", "MQTT broker URL; enables the mqtt transport")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.String("mqtt-topic-prefix", "dffmpeg", "MQTT topic prefix")
	f.String("amqp-url", "", "AMQP broker URL; enables the amqp transport")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(applyEnvironment, initLogging)
}

// applyEnvironment honors DFFMPEG_COORDINATOR_CONFIG (a flags file of
// "name value" or "name=value" lines) and DFFMPEG_COORDINATOR_DEV.
// File values only land on flags the command line left untouched, so
// overrides are last-writer-wins: defaults < file < environment < flags.
func applyEnvironment() {
	f := rootCmd.Flags()
	devLogLevel := !f.Changed("log-level")
	devStorage := !f.Changed("storage")
	if path := os.Getenv("DFFMPEG_COORDINATOR_CONFIG"); path != "" {
		if err := applyFlagsFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
	}
	if dev := os.Getenv("DFFMPEG_COORDINATOR_DEV"); dev != "" && dev != "0" {
		if devLogLevel {
			f.Set("log-level", "debug")
		}
		if devStorage {
			f.Set("storage", "mem")
		}
	}
}

func applyFlagsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	f := rootCmd.Flags()
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			name, value, ok = strings.Cut(line, " ")
		}
		if !ok {
			return fmt.Errorf("config %s:%d: expected 'name value' or 'name=value'", path, lineNo+1)
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if f.Lookup(name) == nil {
			return fmt.Errorf("config %s:%d: unknown option %q", path, lineNo+1, name)
		}
		if f.Changed(name) {
			continue
		}
		if err := f.Set(name, value); err != nil {
			return fmt.Errorf("config %s:%d: %v", path, lineNo+1, err)
		}
	}
	return nil
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// parseKeyRing turns repeated --key key_id=hexsecret flags into a
// security.KeyRing.
func parseKeyRing(entries []string) (security.KeyRing, error) {
	ring := make(security.KeyRing, len(entries))
	for _, entry := range entries {
		keyID, hexSecret, ok := strings.Cut(entry, "=")
		if !ok || keyID == "" {
			return nil, fmt.Errorf("key ring entry %q: expected key_id=hexsecret", entry)
		}
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("key ring entry %q: %v", keyID, err)
		}
		if len(secret) != 32 {
			return nil, fmt.Errorf("key ring entry %q: secret must be 32 bytes, got %d", keyID, len(secret))
		}
		ring[keyID] = security.KeyEntry{Algorithm: "aes-256-gcm", Secret: secret}
	}
	return ring, nil
}

func buildConfig(cmd *cobra.Command) (coordinator.Config, error) {
	f := cmd.Flags()
	cfg := coordinator.DefaultConfig()

	cfg.ListenAddr, _ = f.GetString("listen")
	cfg.Storage.Engine, _ = f.GetString("storage")
	cfg.Storage.DataDir, _ = f.GetString("data-dir")
	cfg.Storage.DSN, _ = f.GetString("dsn")
	cfg.AllowedBinaries, _ = f.GetStringSlice("allowed-binaries")
	cfg.TrustedProxies, _ = f.GetStringSlice("trusted-proxies")
	cfg.LongPollTimeout, _ = f.GetDuration("long-poll-timeout")
	cfg.SchedulerTick, _ = f.GetDuration("scheduler-tick")

	jcfg := janitor.DefaultConfig()
	jcfg.Tick, _ = f.GetDuration("janitor-tick")
	jcfg.WorkerThresholdFactor, _ = f.GetFloat64("worker-threshold-factor")
	jcfg.JobAssignmentTimeout, _ = f.GetDuration("job-assignment-timeout")
	jcfg.JobHeartbeatThresholdFactor, _ = f.GetFloat64("job-heartbeat-threshold-factor")
	jcfg.JobPendingTimeout, _ = f.GetDuration("job-pending-timeout")
	cfg.Janitor = jcfg

	keyEntries, _ := f.GetStringArray("key")
	ring, err := parseKeyRing(keyEntries)
	if err != nil {
		return cfg, err
	}
	cfg.KeyRing = ring
	cfg.DefaultKeyID, _ = f.GetString("default-key-id")

	if broker, _ := f.GetString("mqtt-broker"); broker != "" {
		username, _ := f.GetString("mqtt-username")
		password, _ := f.GetString("mqtt-password")
		prefix, _ := f.GetString("mqtt-topic-prefix")
		cfg.MQTT = &transport.MQTTConfig{
			Broker:      broker,
			ClientID:    "dffmpeg-coordinator",
			Username:    username,
			Password:    password,
			TopicPrefix: prefix,
		}
	}
	if url, _ := f.GetString("amqp-url"); url != "" {
		cfg.AMQP = &transport.AMQPConfig{URL: url}
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return configError{err}
	}

	c, err := coordinator.New(cfg)
	if err != nil {
		return initError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return initError{err}
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Stop(shutdownCtx); err != nil {
		return initError{fmt.Errorf("shutdown: %w", err)}
	}
	return nil
}
