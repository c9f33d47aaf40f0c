package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Tess, Parse("tess"))
	assert.Equal(t, Tess, Parse("TESS"))
	assert.Equal(t, Rex, Parse(" rex "))
	assert.Equal(t, Unknown, Parse("gandalf"))
	assert.Equal(t, Unknown, Parse(""))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Tess (Testing)", Tess.DisplayName())
	assert.Equal(t, "Unknown Agent", Unknown.DisplayName())
	for _, p := range All() {
		assert.NotEmpty(t, p.DisplayName())
	}
}

func TestForAlert(t *testing.T) {
	tests := []struct {
		name string
		a    alert.Alert
		want Persona
	}{
		{"explicit persona wins", alert.Alert{Kind: alert.KindTestFailure, Persona: "cipher"}, Cipher},
		{"unknown explicit persona falls through to kind", alert.Alert{Kind: alert.KindTestFailure, Persona: "gandalf"}, Tess},
		{"test failure routes to tess", alert.Alert{Kind: alert.KindTestFailure}, Tess},
		{"security routes to cipher", alert.Alert{Kind: alert.KindSecurityFinding}, Cipher},
		{"ci failure routes to rex", alert.Alert{Kind: alert.KindCIFailure}, Rex},
		{"approval loop routes to cleo", alert.Alert{Kind: alert.KindApprovalLoop}, Cleo},
		{"pod failure routes to factory", alert.Alert{Kind: alert.KindPodFailure}, Factory},
		{"unclassified routes to factory", alert.Alert{Kind: alert.KindUnclassified}, Factory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForAlert(tt.a))
		})
	}
}

func TestNewCommandExecutorRequiresFactoryFallback(t *testing.T) {
	_, err := NewCommandExecutor(map[Persona]CommandSpec{
		Tess: {Command: "tess-agent"},
	})
	require.Error(t, err)

	exec, err := NewCommandExecutor(map[Persona]CommandSpec{
		Factory: {Command: "agent"},
	})
	require.NoError(t, err)
	assert.NotNil(t, exec)
}
