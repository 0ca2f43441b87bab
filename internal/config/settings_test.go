package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	s, err := Decode(New(v))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddress, s.Server.Address)
	assert.Equal(t, 5*time.Second, s.Server.DialTimeout)
	assert.Equal(t, time.Second, s.Detection.Interval)
	assert.Equal(t, "nao", s.NAO.Username)
	assert.Equal(t, "v2-1-4-3", s.NAO.HALVersion)
	assert.Equal(t, "10.0.1.1:80", s.EV3.Address)
	assert.Equal(t, []string{"runtime", "shared", "jsonlib", "websocketlib", "ev3menu"}, s.EV3.FirmwareFiles)
	assert.Equal(t, 9600, s.Serial.BaudRate)
	assert.NotEmpty(t, s.Arduino.Avrdude.Path)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "robobridge.yaml")
	data := []byte("server:\n  address: localhost:1999\nlog:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	v, err := Load(path)
	require.NoError(t, err)

	s, err := Decode(New(v))
	require.NoError(t, err)
	assert.Equal(t, "localhost:1999", s.Server.Address)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 30*time.Second, s.Server.RequestTimeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() with missing explicit file expected error")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ROBOBRIDGE_SERVER_ADDRESS", "10.1.2.3:1999")
	t.Chdir(t.TempDir())

	v, err := Load("")
	require.NoError(t, err)
	s, err := Decode(New(v))
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:1999", s.Server.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"empty address", func(s *Settings) { s.Server.Address = " " }},
		{"address with scheme", func(s *Settings) { s.Server.Address = "https://lab.open-roberta.org" }},
		{"zero detection interval", func(s *Settings) { s.Detection.Interval = 0 }},
		{"zero poll interval", func(s *Settings) { s.Connector.PollInterval = 0 }},
		{"zero baud rate", func(s *Settings) { s.Serial.BaudRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			var s Settings
			require.NoError(t, New(v).Unmarshal(&s))
			tt.modify(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}
