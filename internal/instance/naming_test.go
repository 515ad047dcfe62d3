package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		errMatch string
	}{
		{name: "simple name", input: "beamline"},
		{name: "with hyphens", input: "beamline-sim-2"},
		{name: "single character", input: "a"},
		{name: "numeric", input: "42"},
		{name: "empty", input: "", wantErr: true, errMatch: "cannot be empty"},
		{name: "uppercase", input: "Beamline", wantErr: true, errMatch: "invalid instance name"},
		{name: "leading hyphen", input: "-beamline", wantErr: true, errMatch: "invalid instance name"},
		{name: "trailing hyphen", input: "beamline-", wantErr: true, errMatch: "invalid instance name"},
		{name: "underscore", input: "beam_line", wantErr: true, errMatch: "invalid instance name"},
		{name: "too long", input: string(make([]byte, 64)), wantErr: true, errMatch: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorContains(t, err, tt.errMatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
