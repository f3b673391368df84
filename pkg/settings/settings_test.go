package settings

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, 1792, s.TokenBudget)
	assert.Equal(t, 1536, s.InputCutoff)
}

func TestLoadYAML(t *testing.T) {
	s, err := NewSettings().LoadYAML(strings.NewReader(`
controller_url: http://controller:21001
default_template: vicuna_v1.1
temperature: 0.2
lookup_timeout: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, "http://controller:21001", s.ControllerURL)
	assert.Equal(t, "vicuna_v1.1", s.DefaultTemplate)
	assert.Equal(t, 0.2, s.Temperature)
	assert.Equal(t, 2*time.Second, s.LookupTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, 512, s.MaxNewTokens)
	require.NoError(t, s.Validate())

	s, err = NewSettings().LoadYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, NewSettings(), s)

	_, err = NewSettings().LoadYAML(strings.NewReader("temperature: [1"))
	assert.Error(t, err)
}

func TestFromViper(t *testing.T) {
	v := viper.New()
	v.Set("controller-url", "https://controller.example")
	v.Set("max-new-tokens", 256)
	v.Set("frame-pacing", "50ms")

	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "https://controller.example", s.ControllerURL)
	assert.Equal(t, 256, s.MaxNewTokens)
	assert.Equal(t, 50*time.Millisecond, s.FramePacing)
	assert.Equal(t, 0.7, s.Temperature)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"controller url", func(s *Settings) { s.ControllerURL = "localhost:21001" }},
		{"controller scheme", func(s *Settings) { s.ControllerURL = "ftp://controller:21001" }},
		{"unknown template", func(s *Settings) { s.DefaultTemplate = "nope" }},
		{"moderation without key", func(s *Settings) { s.Moderate = true }},
		{"negative temperature", func(s *Settings) { s.Temperature = -1 }},
		{"max new tokens", func(s *Settings) { s.MaxNewTokens = 0 }},
		{"token budget", func(s *Settings) { s.TokenBudget = 0 }},
		{"input cutoff", func(s *Settings) { s.InputCutoff = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSettings()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}

	s := NewSettings()
	s.DefaultTemplate = "pet-cat"
	s.PersonasFile = "personas.yaml"
	assert.NoError(t, s.Validate(), "persona templates are checked once the file is loaded")
}
