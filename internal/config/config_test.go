package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

// writeConfig writes a temp pvbridge.yml and returns its path
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pvbridge.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

const validConfig = `version: "1.0"
model: demo
inputs:
  input1:
    kind: scalar
    default: 1.0
    range: [0, 10]
    units: mm
  input2:
    kind: scalar
    default: 2.0
outputs:
  output1:
    kind: image
    precision: 8
  output2:
    kind: scalar
routing:
  input1:
    pvname: "TEST:Input1"
    protocol: both
  input2:
    pvname: "TEST:Input2"
    protocol: ca
    serve: false
  output1:
    pvname: "TEST:Output1"
    protocol: both
    fields: ["ArrayData_RBV", "MinX_RBV", "MaxX_RBV"]
  output2:
    pvname: "TEST:Output2"
    protocol: pva
`

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, "demo", config.Model)
	assert.Len(t, config.Inputs, 2)
	assert.Len(t, config.Outputs, 2)
	assert.Equal(t, "mm", config.Inputs["input1"].Units)
	assert.Equal(t, []float64{0, 10}, config.Inputs["input1"].Range)
	require.NotNil(t, config.Routing["input2"].Serve)
	assert.False(t, *config.Routing["input2"].Serve)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/pvbridge.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "version: [unclosed"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	serveFalse := false

	base := func() *BridgeConfig {
		return &BridgeConfig{
			Version: "1.0",
			Model:   "demo",
			Inputs: map[string]VariableSpec{
				"x": {Kind: "scalar", Default: floatPtr(1)},
			},
			Outputs: map[string]VariableSpec{
				"y": {Kind: "scalar"},
			},
			Routing: map[string]RoutingSpec{
				"x": {PVName: "TEST:X", Protocol: "both"},
				"y": {PVName: "TEST:Y", Protocol: "both"},
			},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("rejects wrong version", func(t *testing.T) {
		c := base()
		c.Version = "2.0"
		assert.ErrorContains(t, c.Validate(), "unsupported version")
	})

	t.Run("rejects missing model", func(t *testing.T) {
		c := base()
		c.Model = ""
		assert.ErrorContains(t, c.Validate(), "model is required")
	})

	t.Run("rejects variable without routing entry", func(t *testing.T) {
		c := base()
		delete(c.Routing, "y")
		assert.ErrorContains(t, c.Validate(), "no routing entry")
	})

	t.Run("rejects routing entry without variable", func(t *testing.T) {
		c := base()
		c.Routing["ghost"] = RoutingSpec{PVName: "TEST:G", Protocol: "ca"}
		assert.ErrorContains(t, c.Validate(), "does not match any declared variable")
	})

	t.Run("rejects duplicate pvnames", func(t *testing.T) {
		c := base()
		c.Routing["y"] = RoutingSpec{PVName: "TEST:X", Protocol: "both"}
		assert.ErrorContains(t, c.Validate(), "duplicate pvname")
	})

	t.Run("rejects unknown protocol", func(t *testing.T) {
		c := base()
		c.Routing["x"] = RoutingSpec{PVName: "TEST:X", Protocol: "http"}
		assert.ErrorContains(t, c.Validate(), "unknown routing")
	})

	t.Run("rejects mirrored output", func(t *testing.T) {
		c := base()
		c.Routing["y"] = RoutingSpec{PVName: "TEST:Y", Protocol: "both", Serve: &serveFalse}
		assert.ErrorContains(t, c.Validate(), "serve=false is only valid for inputs")
	})

	t.Run("rejects constant output", func(t *testing.T) {
		c := base()
		c.Outputs["y"] = VariableSpec{Kind: "scalar", Constant: true}
		assert.ErrorContains(t, c.Validate(), "only meaningful for inputs")
	})

	t.Run("rejects constant input without default", func(t *testing.T) {
		c := base()
		c.Inputs["x"] = VariableSpec{Kind: "scalar", Constant: true}
		assert.ErrorContains(t, c.Validate(), "require a default")
	})

	t.Run("rejects range on image", func(t *testing.T) {
		c := base()
		c.Inputs["x"] = VariableSpec{Kind: "image", ImageDefault: &ImageSpec{Rows: 2, Cols: 2}, Range: []float64{0, 1}}
		assert.ErrorContains(t, c.Validate(), "range is not valid for image")
	})

	t.Run("rejects fields on scalar", func(t *testing.T) {
		c := base()
		c.Routing["x"] = RoutingSpec{PVName: "TEST:X", Protocol: "ca", Fields: []string{"MinX_RBV"}}
		assert.ErrorContains(t, c.Validate(), "fields are only valid")
	})

	t.Run("rejects variable declared as input and output", func(t *testing.T) {
		c := base()
		c.Outputs["x"] = VariableSpec{Kind: "scalar"}
		assert.ErrorContains(t, c.Validate(), "both input and output")
	})
}

func TestBuildVariables(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	inputs, outputs := config.BuildVariables()
	require.Len(t, inputs, 2)
	require.Len(t, outputs, 2)

	x := inputs["input1"]
	assert.Equal(t, pvbus.KindScalar, x.Kind)
	require.NotNil(t, x.Default)
	assert.Equal(t, 1.0, x.Default.Scalar)
	assert.Nil(t, x.Value) // unset until seeded
	require.NotNil(t, x.Range)
	assert.Equal(t, [2]float64{0, 10}, *x.Range)

	img := outputs["output1"]
	assert.Equal(t, pvbus.KindImage, img.Kind)
	assert.Equal(t, 8, img.Precision)
}

func TestBuildVariables_ImageDefault(t *testing.T) {
	c := &BridgeConfig{
		Inputs: map[string]VariableSpec{
			"img": {Kind: "image", ImageDefault: &ImageSpec{Rows: 2, Cols: 3, Fill: 0.5, XMin: -1, XMax: 1}},
		},
		Outputs: map[string]VariableSpec{},
	}

	inputs, _ := c.BuildVariables()
	v := inputs["img"]
	require.NotNil(t, v.Default)
	require.NotNil(t, v.Default.Image)
	assert.Equal(t, 2, v.Default.Image.Rows)
	assert.Equal(t, 3, v.Default.Image.Cols)
	assert.Len(t, v.Default.Image.Data, 6)
	assert.Equal(t, 0.5, v.Default.Image.Data[0])
	assert.Equal(t, -1.0, v.Default.Image.XMin)
}

func TestBuildRouting(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	routing := config.BuildRouting()
	require.Len(t, routing, 4)

	assert.True(t, routing["input1"].Serve, "serve defaults to true")
	assert.False(t, routing["input2"].Serve)
	assert.Equal(t, pvbus.RoutingBoth, routing["output1"].Protocol)
	assert.Equal(t, []string{"ArrayData_RBV", "MinX_RBV", "MaxX_RBV"}, routing["output1"].Fields)
}

func TestVariableNames_Deterministic(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	names := config.VariableNames()
	assert.Equal(t, []string{"input1", "input2", "output1", "output2"}, names)
}

func floatPtr(f float64) *float64 { return &f }
