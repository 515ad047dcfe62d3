package pvbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundRoundTrip(t *testing.T) {
	original := &InboundUpdate{
		Origin: ProtocolCA,
		Changes: map[string]Value{
			"x":   ScalarValue(5),
			"arr": ArrayValue([]float64{1, 2, 3}),
		},
	}

	payload, err := MarshalInbound(original)
	require.NoError(t, err)

	decoded, err := UnmarshalInbound(payload)
	require.NoError(t, err)

	assert.Equal(t, original.Origin, decoded.Origin)
	assert.Equal(t, original.Changes["x"].Scalar, decoded.Changes["x"].Scalar)
	assert.Equal(t, original.Changes["arr"].Array, decoded.Changes["arr"].Array)
}

func TestMarshalInboundRejectsInvalid(t *testing.T) {
	_, err := MarshalInbound(&InboundUpdate{Origin: ProtocolCA})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no changes")
}

func TestOutboundRoundTripWithImage(t *testing.T) {
	img := ImageValue(&Image{
		Rows: 2, Cols: 2,
		Data: []float64{0.1, 0.2, 0.3, 0.4},
		XMin: -1, XMax: 1, YMin: -2, YMax: 2,
	})
	original := &OutboundUpdate{
		Kind: EventOutput,
		Changes: map[string]Variable{
			"beam": {Name: "beam", Kind: KindImage, Value: &img, Precision: 8},
		},
	}

	payload, err := MarshalOutbound(original)
	require.NoError(t, err)

	decoded, err := UnmarshalOutbound(payload)
	require.NoError(t, err)

	got := decoded.Changes["beam"]
	require.NotNil(t, got.Value)
	require.NotNil(t, got.Value.Image)
	assert.Equal(t, 2, got.Value.Image.Rows)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, got.Value.Image.Data)
	assert.Equal(t, -1.0, got.Value.Image.XMin)
	assert.Equal(t, EventOutput, decoded.Kind)
}

func TestUnmarshalInboundRejectsGarbage(t *testing.T) {
	_, err := UnmarshalInbound("not json")
	assert.Error(t, err)
}

func TestVariablesHashRoundTrip(t *testing.T) {
	val := ScalarValue(7)
	def := ScalarValue(1)
	vars := map[string]Variable{
		"x": {Name: "x", Kind: KindScalar, Value: &val, Default: &def, Units: "mm", Constant: true},
	}

	hash, err := VariablesToHash(vars)
	require.NoError(t, err)
	require.Contains(t, hash, "x")

	// Redis returns hash values as strings
	stringHash := map[string]string{"x": hash["x"].(string)}
	decoded, err := HashToVariables(stringHash)
	require.NoError(t, err)

	got := decoded["x"]
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, 7.0, got.Value.Scalar)
	assert.Equal(t, "mm", got.Units)
	assert.True(t, got.Constant)
}
