package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/spf13/cobra"
)

// Process exit codes: 0 success, 2 user error (bad arguments or flag
// values), 1 operational error (storage unreachable, write failed).
const (
	exitOK          = 0
	exitOperational = 1
	exitUser        = 2
)

// opError marks a failure of the environment rather than the invocation.
type opError struct{ err error }

func (e opError) Error() string { return e.err.Error() }

func main() {
	log.Init(log.Config{Level: log.WarnLevel})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if _, ok := err.(opError); ok {
			os.Exit(exitOperational)
		}
		os.Exit(exitUser)
	}
	os.Exit(exitOK)
}

var rootCmd = &cobra.Command{
	Use:           "dffmpeg-admin",
	Short:         "DFFmpeg Coordinator administration",
	Long:          "Manage identities, encryption keys and schema migrations for a DFFmpeg Coordinator's database.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("storage", "bolt", "Storage engine (bolt, sqlite3, postgres, mysql)")
	pf.String("data-dir", "/var/lib/dffmpeg", "Data directory (bolt engine)")
	pf.String("dsn", "", "Database connection string (SQL engines)")
	pf.StringArray("key", nil, "Key ring entry as key_id=hex(32-byte secret); repeatable")
	pf.String("default-key-id", "", "Key ring entry new HMAC keys are encrypted under (empty = plaintext)")

	identityCreateCmd.Flags().String("role", "client", "Identity role (client, worker, admin)")
	identityCreateCmd.Flags().StringArray("cidr", nil, "Allowed source CIDR; repeatable (default: 0.0.0.0/0 and ::/0)")
	identityCreateCmd.Flags().String("hmac-key", "", "HMAC key as hex (generated when omitted)")
	identityCmd.AddCommand(identityCreateCmd, identityListCmd, identityShowCmd, identityDeleteCmd)

	keysRotateCmd.Flags().String("to", "", "Target key_id to re-encrypt under (defaults to --default-key-id)")
	keysRotateCmd.Flags().Int("limit", 0, "Maximum identities to rotate in this run (0 = all)")
	keysRotateCmd.Flags().Int("batch-size", 50, "Progress-report granularity")
	keysCmd.AddCommand(keysRotateCmd)

	cidrSplitCmd.Flags().Int("new-prefix", 0, "Prefix length of the produced subnets (required)")
	cidrSplitCmd.MarkFlagRequired("new-prefix")
	cidrCmd.AddCommand(cidrSplitCmd)

	rootCmd.AddCommand(identityCmd, keysCmd, cidrCmd, migrateCmd)
}

func openRepo(cmd *cobra.Command) (storage.Repository, error) {
	pf := cmd.Root().PersistentFlags()
	engine, _ := pf.GetString("storage")
	switch engine {
	case "bolt":
		dataDir, _ := pf.GetString("data-dir")
		repo, err := storage.NewBoltRepository(dataDir)
		if err != nil {
			return nil, opError{err}
		}
		return repo, nil
	case "sqlite3", "postgres", "mysql":
		dsn, _ := pf.GetString("dsn")
		repo, err := storage.OpenSQLRepository(storage.Dialect(engine), dsn)
		if err != nil {
			return nil, opError{err}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}

func credentialStore(cmd *cobra.Command) (*security.CredentialStore, error) {
	pf := cmd.Root().PersistentFlags()
	entries, _ := pf.GetStringArray("key")
	defaultKeyID, _ := pf.GetString("default-key-id")

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
	return security.NewCredentialStore(ring, defaultKeyID)
}

// Identity commands

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage API identities",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create <client_id>",
	Short: "Create (or fully replace) an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID := args[0]
		roleStr, _ := cmd.Flags().GetString("role")
		role := types.Role(roleStr)
		if role != types.RoleClient && role != types.RoleWorker && role != types.RoleAdmin {
			return fmt.Errorf("role must be client, worker or admin, got %q", roleStr)
		}

		cidrs, _ := cmd.Flags().GetStringArray("cidr")
		if len(cidrs) == 0 {
			cidrs = security.DefaultAllowedCIDRs()
		}
		if _, err := security.ParseCIDRSet(cidrs); err != nil {
			return fmt.Errorf("invalid cidr: %v", err)
		}

		keyHex, _ := cmd.Flags().GetString("hmac-key")
		var key []byte
		if keyHex == "" {
			key = make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return opError{fmt.Errorf("generate key: %w", err)}
			}
		} else {
			var err error
			key, err = hex.DecodeString(keyHex)
			if err != nil {
				return fmt.Errorf("invalid --hmac-key: %v", err)
			}
		}

		store, err := credentialStore(cmd)
		if err != nil {
			return err
		}
		stored, keyID, err := store.Encrypt(key)
		if err != nil {
			return opError{fmt.Errorf("encrypt key: %w", err)}
		}
		algorithm := ""
		if keyID != "" {
			algorithm = "aes-256-gcm"
		}

		repo, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		identity := &types.Identity{
			ClientID:      clientID,
			Role:          role,
			HMACKeyStored: stored,
			KeyAlgorithm:  algorithm,
			KeyID:         keyID,
			AllowedCIDRs:  cidrs,
			CreatedAt:     time.Now(),
		}
		if err := repo.IdentityPut(cmd.Context(), identity); err != nil {
			return opError{err}
		}

		fmt.Printf("client_id: %s\n", clientID)
		fmt.Printf("role:      %s\n", role)
		fmt.Printf("cidrs:     %s\n", strings.Join(cidrs, ", "))
		fmt.Printf("hmac_key:  %s\n", hex.EncodeToString(key))
		if keyID != "" {
			fmt.Printf("stored encrypted under key_id %s\n", keyID)
		}
		return nil
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		identities, err := repo.IdentityList(cmd.Context())
		if err != nil {
			return opError{err}
		}
		fmt.Printf("%-30s %-8s %-12s %s\n", "CLIENT_ID", "ROLE", "KEY_ID", "CIDRS")
		for _, id := range identities {
			keyID := id.KeyID
			if keyID == "" {
				keyID = "(plaintext)"
			}
			fmt.Printf("%-30s %-8s %-12s %s\n", id.ClientID, id.Role, keyID, strings.Join(id.AllowedCIDRs, ","))
		}
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <client_id>",
	Short: "Show one identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		id, err := repo.IdentityGet(cmd.Context(), args[0])
		if err != nil {
			return opError{err}
		}
		fmt.Printf("client_id:  %s\n", id.ClientID)
		fmt.Printf("role:       %s\n", id.Role)
		fmt.Printf("cidrs:      %s\n", strings.Join(id.AllowedCIDRs, ", "))
		fmt.Printf("key_id:     %s\n", id.KeyID)
		fmt.Printf("algorithm:  %s\n", id.KeyAlgorithm)
		fmt.Printf("created_at: %s\n", id.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete <client_id>",
	Short: "Delete an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.IdentityDelete(cmd.Context(), args[0]); err != nil {
			return opError{err}
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

// Key ring commands

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the at-rest encryption key ring",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt stored HMAC keys under a new key ring entry",
	Long: `Re-encrypts every identity's stored HMAC key under the target key_id.
Identities already on the target key are skipped; plaintext identities
are encrypted for the first time. Use --limit to rotate incrementally
across several runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := credentialStore(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("to")
		if target == "" {
			target = store.DefaultKeyID()
		}
		if target == "" {
			return fmt.Errorf("no target key: pass --to or --default-key-id")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			batchSize = 50
		}

		repo, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer repo.Close()

		identities, err := repo.IdentityList(cmd.Context())
		if err != nil {
			return opError{err}
		}

		rotated := 0
		for _, id := range identities {
			if id.KeyID == target {
				continue
			}
			if limit > 0 && rotated >= limit {
				break
			}

			newStored, err := store.Rotate(id.HMACKeyStored, id.KeyID, target)
			if err != nil {
				return opError{fmt.Errorf("rotate %s: %w", id.ClientID, err)}
			}
			id.HMACKeyStored = newStored
			id.KeyID = target
			id.KeyAlgorithm = "aes-256-gcm"
			if err := repo.IdentityPut(cmd.Context(), id); err != nil {
				return opError{fmt.Errorf("rotate %s: %w", id.ClientID, err)}
			}

			rotated++
			if rotated%batchSize == 0 {
				fmt.Printf("rotated %d identities...\n", rotated)
			}
		}
		fmt.Printf("rotated %d identities to key_id %s\n", rotated, target)
		return nil
	},
}

// CIDR commands

var cidrCmd = &cobra.Command{
	Use:   "cidr",
	Short: "CIDR helpers for building allowed_cidrs sets",
}

var cidrSplitCmd = &cobra.Command{
	Use:   "split <cidr>",
	Short: "Split a CIDR into equal subnets, one per site or worker group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, base, err := net.ParseCIDR(args[0])
		if err != nil {
			return fmt.Errorf("invalid cidr %q: %v", args[0], err)
		}
		newPrefix, _ := cmd.Flags().GetInt("new-prefix")
		basePrefix, _ := base.Mask.Size()
		newBits := newPrefix - basePrefix
		if newBits <= 0 || newBits > 30 {
			return fmt.Errorf("--new-prefix %d must be larger than the base prefix /%d", newPrefix, basePrefix)
		}

		count := 1 << newBits
		for i := 0; i < count; i++ {
			subnet, err := cidr.Subnet(base, newBits, i)
			if err != nil {
				return fmt.Errorf("subnet %d: %v", i, err)
			}
			fmt.Printf("%-20s %d addresses\n", subnet.String(), cidr.AddressCount(subnet))
		}
		return nil
	},
}

// Migration command

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations (SQL engines)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := cmd.Root().PersistentFlags()
		engine, _ := pf.GetString("storage")
		switch engine {
		case "sqlite3", "postgres", "mysql":
		default:
			return fmt.Errorf("migrate applies to SQL engines only, not %q", engine)
		}

		dsn, _ := pf.GetString("dsn")
		repo, err := storage.OpenSQLRepository(storage.Dialect(engine), dsn)
		if err != nil {
			return opError{err}
		}
		defer repo.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := repo.Migrate(ctx); err != nil {
			return opError{err}
		}
		fmt.Println("migrations applied")
		return nil
	},
}
