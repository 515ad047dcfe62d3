package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/spf13/cobra"

	dockerpkg "github.com/cmalloy/pvbridge/internal/docker"
	"github.com/cmalloy/pvbridge/internal/instance"
)

var (
	listJSON bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pvbridge instances",
	Long: `List all pvbridge instances by querying Docker for containers with the
pvbridge.project label.

For each instance, displays:
  • Instance name
  • Status (Running/Degraded/Stopped)
  • Config path
  • Redis port
  • Uptime (for running instances)

Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	// Find all pvbridge containers
	containerFilters := filters.NewArgs()
	containerFilters.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: containerFilters,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	// Group by instance name
	instances := make(map[string][]types.Container)
	for _, c := range containers {
		instanceName := c.Labels[dockerpkg.LabelInstanceName]
		instances[instanceName] = append(instances[instanceName], c)
	}

	// Build instance info
	var infos []instance.InstanceInfo
	for name, containers := range instances {
		status := instance.DetermineStatus(containers)

		// Get metadata from first container (all have same labels)
		configPath := containers[0].Labels[dockerpkg.LabelConfigPath]
		redisPort, _ := strconv.Atoi(containers[0].Labels[dockerpkg.LabelRedisPort])
		createdAt := containers[0].Created

		// Calculate uptime (for Running status only)
		var uptime string
		if status == instance.StatusRunning {
			duration := time.Since(time.Unix(createdAt, 0))
			uptime = formatDuration(duration)
		} else {
			uptime = "-"
		}

		infos = append(infos, instance.InstanceInfo{
			Name:       name,
			Status:     status,
			ConfigPath: configPath,
			RedisPort:  redisPort,
			Uptime:     uptime,
		})
	}

	// Sort by name
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})

	// Output
	if len(infos) == 0 {
		if !listJSON {
			fmt.Println("No pvbridge instances found.")
			fmt.Println()
			fmt.Println("Run 'pvbridge up' to start a new instance.")
		} else {
			fmt.Println("[]")
		}
		return nil
	}

	if listJSON {
		outputJSON(infos)
	} else {
		outputTable(infos)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}

func outputJSON(infos []instance.InstanceInfo) {
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func outputTable(infos []instance.InstanceInfo) {
	// Print header
	fmt.Printf("%-15s %-10s %-30s %-6s %s\n", "INSTANCE", "STATUS", "CONFIG", "REDIS", "UPTIME")

	// Print rows
	for _, info := range infos {
		// Truncate config path if too long
		configPath := info.ConfigPath
		if len(configPath) > 30 {
			configPath = "..." + configPath[len(configPath)-27:]
		}

		fmt.Printf("%-15s %-10s %-30s %-6d %s\n", info.Name, info.Status, configPath, info.RedisPort, info.Uptime)
	}
}
