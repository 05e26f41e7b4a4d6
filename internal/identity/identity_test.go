// ABOUTME: Tests for identity name validation and normalization.
// ABOUTME: Table-driven coverage of the grammar, reserved names, and case folding.

package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier/internal/errcode"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "simple", input: "alpha", want: "alpha"},
		{name: "digits and hyphens", input: "agent-42", want: "agent-42"},
		{name: "uppercase folds", input: "Alpha-Two", want: "alpha-two"},
		{name: "surrounding whitespace trimmed", input: "  beta  ", want: "beta"},
		{name: "single character", input: "x", want: "x"},
		{name: "max length", input: strings.Repeat("a", 64), want: strings.Repeat("a", 64)},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 65), wantErr: true},
		{name: "leading hyphen", input: "-alpha", wantErr: true},
		{name: "trailing hyphen", input: "alpha-", wantErr: true},
		{name: "underscore", input: "al_pha", wantErr: true},
		{name: "dot", input: "al.pha", wantErr: true},
		{name: "space inside", input: "al pha", wantErr: true},
		{name: "unicode", input: "agént", wantErr: true},
		{name: "reserved hub", input: "hub", wantErr: true},
		{name: "reserved broadcast", input: "broadcast", wantErr: true},
		{name: "reserved all", input: "all", wantErr: true},
		{name: "reserved is case-insensitive", input: "HUB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errcode.InvalidIdentity, errcode.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
