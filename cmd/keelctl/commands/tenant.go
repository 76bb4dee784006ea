package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant management",
	Long: `Manage tenants on a multi-tenant keel gateway.

Examples:
  # List all tenants
  keelctl tenant list

  # Create a tenant
  keelctl tenant create --id acme --database-url postgres://acme@db/acme --jwt-secret s3cret

  # Show one tenant
  keelctl tenant get acme

  # Delete a tenant
  keelctl tenant delete acme`,
}

var (
	createDatabaseURL     string
	createDatabasePoolURL string
	createJWTSecret       string
	createServiceKey      string
	createFileSizeLimit   int64
	createMaxConnections  int
)

func init() {
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantGetCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)

	tenantCreateCmd.Flags().String("id", "", "tenant id (required)")
	tenantCreateCmd.Flags().StringVar(&createDatabaseURL, "database-url", "", "tenant database URL (required)")
	tenantCreateCmd.Flags().StringVar(&createDatabasePoolURL, "database-pool-url", "", "pooler URL for request traffic")
	tenantCreateCmd.Flags().StringVar(&createJWTSecret, "jwt-secret", "", "tenant JWT secret (prompted when omitted)")
	tenantCreateCmd.Flags().StringVar(&createServiceKey, "service-key", "", "tenant service key")
	tenantCreateCmd.Flags().Int64Var(&createFileSizeLimit, "file-size-limit", 0, "per-tenant upload cap in bytes (0 = gateway default)")
	tenantCreateCmd.Flags().IntVar(&createMaxConnections, "max-connections", 0, "tenant pool cap (0 = gateway default)")
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		tenants, err := client.listTenants()
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Migrations", "Status", "Size Limit", "Events", "Created"})
		for _, t := range tenants {
			events := "on"
			if t.DisableEvents {
				events = "off"
			}
			table.Append([]string{
				t.ID,
				strconv.FormatUint(uint64(t.MigrationsVersion), 10),
				t.MigrationsStatus,
				strconv.FormatInt(t.FileSizeLimit, 10),
				events,
				t.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		table.Render()
		return nil
	},
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create --id <id> --database-url <url>",
	Short: "Create a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			return fmt.Errorf("--id is required")
		}
		if createDatabaseURL == "" {
			return fmt.Errorf("--database-url is required")
		}

		secret := createJWTSecret
		if secret == "" {
			prompt := promptui.Prompt{Label: "JWT secret", Mask: '*'}
			var err error
			if secret, err = prompt.Run(); err != nil {
				return err
			}
		}

		client, err := newAdminClient()
		if err != nil {
			return err
		}
		t, err := client.createTenant(map[string]any{
			"id":                id,
			"database_url":      createDatabaseURL,
			"database_pool_url": createDatabasePoolURL,
			"jwt_secret":        secret,
			"service_key":       createServiceKey,
			"file_size_limit":   createFileSizeLimit,
			"max_connections":   createMaxConnections,
		})
		if err != nil {
			return err
		}

		cmd.Printf("Tenant %s created (migrations %s)\n", t.ID, t.MigrationsStatus)
		return nil
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		t, err := client.getTenant(args[0])
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Field", "Value"})
		table.Append([]string{"ID", t.ID})
		table.Append([]string{"Migrations version", strconv.FormatUint(uint64(t.MigrationsVersion), 10)})
		table.Append([]string{"Migrations status", t.MigrationsStatus})
		table.Append([]string{"File size limit", strconv.FormatInt(t.FileSizeLimit, 10)})
		table.Append([]string{"Max connections", strconv.Itoa(t.MaxConnections)})
		table.Append([]string{"Feature flags", t.FeatureFlags})
		table.Append([]string{"Events disabled", strconv.FormatBool(t.DisableEvents)})
		table.Append([]string{"Created", t.CreatedAt.Format("2006-01-02 15:04:05")})
		table.Append([]string{"Updated", t.UpdatedAt.Format("2006-01-02 15:04:05")})
		table.Render()
		return nil
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a tenant",
	Long: `Delete a tenant from the registry.

Only the registry row is removed. The tenant's database and blobs are left
in place for out-of-band cleanup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		confirm := promptui.Prompt{
			Label:     fmt.Sprintf("Delete tenant %q", id),
			IsConfirm: true,
		}
		if _, err := confirm.Run(); err != nil {
			cmd.Println("Aborted")
			return nil
		}

		client, err := newAdminClient()
		if err != nil {
			return err
		}
		if err := client.deleteTenant(id); err != nil {
			return err
		}
		cmd.Printf("Tenant %s deleted\n", id)
		return nil
	},
}
