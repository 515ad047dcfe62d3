package executor

import (
	"context"
	"math"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

func init() {
	Register("demo", func() (Model, error) {
		return &DemoModel{Rows: 50, Cols: 50}, nil
	})
}

// DemoModel is the built-in example model: two scalar inputs bound a
// Gaussian spot rendered into an image output, and both inputs are echoed
// back as scalar outputs. Deterministic, so cycles are reproducible.
type DemoModel struct {
	Rows int
	Cols int
}

// InputNames returns the declared input variable names.
func (m *DemoModel) InputNames() []string {
	return []string{"input1", "input2"}
}

// OutputNames returns the declared output variable names.
func (m *DemoModel) OutputNames() []string {
	return []string{"output1", "output2", "output3"}
}

// Evaluate renders the Gaussian image over the [input1, input2] extent and
// passes the two inputs through.
func (m *DemoModel) Evaluate(ctx context.Context, inputs map[string]pvbus.Variable) (map[string]pvbus.Variable, error) {
	lo := inputs["input1"].Value.Scalar
	hi := inputs["input2"].Value.Scalar

	img := &pvbus.Image{
		Rows: m.Rows,
		Cols: m.Cols,
		Data: make([]float64, m.Rows*m.Cols),
		XMin: lo,
		XMax: hi,
		YMin: lo,
		YMax: hi,
	}

	// Gaussian spot centred on the grid, amplitude scaled by the extent.
	amplitude := hi - lo
	sigma := float64(m.Rows) / 6
	cy := float64(m.Rows-1) / 2
	cx := float64(m.Cols-1) / 2
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			dy := float64(r) - cy
			dx := float64(c) - cx
			img.Data[r*m.Cols+c] = amplitude * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
		}
	}

	imgVal := pvbus.ImageValue(img)
	out2 := pvbus.ScalarValue(lo)
	out3 := pvbus.ScalarValue(hi)

	return map[string]pvbus.Variable{
		"output1": {Name: "output1", Kind: pvbus.KindImage, Value: &imgVal},
		"output2": {Name: "output2", Kind: pvbus.KindScalar, Value: &out2},
		"output3": {Name: "output3", Kind: pvbus.KindScalar, Value: &out3},
	}, nil
}
