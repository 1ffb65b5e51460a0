package reader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAdditionalTables(t *testing.T) {
	t.Parallel()
	f := newFakeBackend(0)
	f.tables["annotations"] = true
	f.tables["public.de_julielab_Token"] = true
	f.tables["ann.de_julielab_Sentence"] = true

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact name", "annotations", "annotations"},
		{"dotted type name", "de.julielab.Token", "public.de_julielab_Token"},
		{"explicit pg schema", "ann:de.julielab.Sentence", "ann.de_julielab_Sentence"},
		{"whitespace", "  annotations ", "annotations"},
	}
	for _, tt := range tests {
		got, err := resolveAdditionalTables(context.Background(), f, "public", []string{tt.in})
		require.NoError(t, err, tt.name)
		assert.Equal(t, []string{tt.want}, got, tt.name)
	}
}

func TestResolveAdditionalTables_Errors(t *testing.T) {
	t.Parallel()
	f := newFakeBackend(0)

	_, err := resolveAdditionalTables(context.Background(), f, "public", []string{"missing.Type"})
	assert.ErrorIs(t, err, ErrSchema)

	_, err = resolveAdditionalTables(context.Background(), f, "public", []string{":Type"})
	assert.ErrorIs(t, err, ErrConfiguration)
}
