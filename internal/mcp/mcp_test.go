package mcp

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseIDFromURI(t *testing.T) {
	want := uuid.New()

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"valid", "sekisho://cases/" + want.String() + "/packet", false},
		{"wrong scheme", "other://cases/" + want.String() + "/packet", true},
		{"missing suffix", "sekisho://cases/" + want.String(), true},
		{"not a uuid", "sekisho://cases/not-a-uuid/packet", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := caseIDFromURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestJSONResultMarshalsIndented(t *testing.T) {
	result, err := jsonResult(map[string]any{"airport": "KJFK", "posture": "HOLD"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"airport": "KJFK"`)
	assert.Contains(t, text.Text, `"posture": "HOLD"`)
	assert.False(t, result.IsError)
}

func TestErrorResult(t *testing.T) {
	result := errorResult("something broke")
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Equal(t, "something broke", text.Text)
	assert.True(t, result.IsError)
}

func TestNewWiresServer(t *testing.T) {
	s := New(nil, nil, nil, slog.New(slog.DiscardHandler))
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
}
