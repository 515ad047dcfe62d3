package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

var (
	varsInstanceName string
	varsRedisAddr    string
	varsJSON         bool
)

var varsCmd = &cobra.Command{
	Use:   "vars",
	Short: "Show an instance's variable snapshot",
	Long: `Read the current state snapshot of a running instance and display every
declared variable with its current value.

A value of '-' means the variable has not been set yet (cold start).

Examples:
  # Show variables of the sole instance
  pvbridge vars

  # Show a specific instance as JSON
  pvbridge vars --name beamline --json`,
	RunE: runVars,
}

func init() {
	varsCmd.Flags().StringVar(&varsInstanceName, "name", "", "Target instance name (auto-inferred if omitted)")
	varsCmd.Flags().StringVar(&varsRedisAddr, "redis", "", "Redis address override (host:port)")
	varsCmd.Flags().BoolVar(&varsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(varsCmd)
}

func runVars(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	name, redisAddr, err := resolveTarget(ctx, varsInstanceName, varsRedisAddr)
	if err != nil {
		return err
	}

	client, err := pvbus.NewClient(&redis.Options{Addr: redisAddr}, name)
	if err != nil {
		return err
	}
	defer client.Close()

	vars, err := client.ReadVariables(ctx)
	if err != nil {
		return err
	}

	if len(vars) == 0 {
		fmt.Printf("No snapshot yet for instance '%s'. Is 'pvbridge serve' running?\n", name)
		return nil
	}

	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	if varsJSON {
		ordered := make([]pvbus.Variable, 0, len(names))
		for _, n := range names {
			ordered = append(ordered, vars[n])
		}
		data, err := json.MarshalIndent(ordered, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal variables: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"VARIABLE", "KIND", "VALUE", "UNITS", "CONSTANT"})
	for _, n := range names {
		v := vars[n]
		constant := ""
		if v.Constant {
			constant = "yes"
		}
		table.Append([]string{v.Name, string(v.Kind), formatValue(&v), v.Units, constant})
	}
	return table.Render()
}

// formatValue renders a variable's current value for the table. Arrays and
// images are summarized by shape; the full payload is available via --json.
func formatValue(v *pvbus.Variable) string {
	if v.Value == nil {
		return "-"
	}
	switch v.Kind {
	case pvbus.KindScalar:
		if v.Precision > 0 {
			return fmt.Sprintf("%.*f", v.Precision, v.Value.Scalar)
		}
		return fmt.Sprintf("%g", v.Value.Scalar)
	case pvbus.KindArray:
		return fmt.Sprintf("array[%d]", len(v.Value.Array))
	case pvbus.KindImage:
		im := v.Value.Image
		return fmt.Sprintf("image %dx%d [%g,%g]x[%g,%g]", im.Rows, im.Cols, im.XMin, im.XMax, im.YMin, im.YMax)
	}
	return "?"
}
