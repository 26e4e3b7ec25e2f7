package store

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/skyforge-av/bondctl/internal/proto"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/setup.json",
		[]byte(`{"platform":"rpi4","encoder_bin":"/bin/encoder","bonder_bin":"/bin/bonder","pipeline_root":"/pipelines","bitrate_file":"/run/br","uplinks_file":"/run/ips","upgrades_allowed":true}`), 0o644))

	s, err := New(fs, "/setup.json", "/config.json", "/tokens.json")
	require.NoError(t, err)
	return s, fs
}

func TestNewLoadsSetupAndDefaultsConfig(t *testing.T) {
	s, _ := newTestStore(t)

	setup := s.Setup()
	require.Equal(t, "rpi4", setup.Platform)
	require.True(t, setup.UpgradesAllowed)

	cfg := s.Config()
	require.Equal(t, 0, cfg.MaxBR)
}

func TestUpdateConfigPersistsWholeFile(t *testing.T) {
	s, fs := newTestStore(t)

	cfg, err := s.UpdateConfig(func(c *proto.Config) {
		c.MaxBR = 6000
		c.SSHPassHash = "secret-hash"
	})
	require.NoError(t, err)
	require.Equal(t, 6000, cfg.MaxBR)

	// round-trip: a fresh Store reading the same fs sees the persisted value.
	s2, err := New(fs, "/setup.json", "/config.json", "/tokens.json")
	require.NoError(t, err)
	require.Equal(t, 6000, s2.Config().MaxBR)
	require.Equal(t, "secret-hash", s2.Config().SSHPassHash)
}

func TestConfigPublicStripsSSHHash(t *testing.T) {
	cfg := proto.Config{MaxBR: 100, SSHPassHash: "should-not-leak"}
	pub := cfg.Public()
	require.Empty(t, pub.SSHPassHash)
	require.Equal(t, 100, pub.MaxBR)
}

func TestTokensAddHasRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	tk, err := LoadTokens(fs, "/tokens.json")
	require.NoError(t, err)

	require.False(t, tk.Has("abc"))
	require.NoError(t, tk.Add("abc"))
	require.True(t, tk.Has("abc"))

	tk2, err := LoadTokens(fs, "/tokens.json")
	require.NoError(t, err)
	require.True(t, tk2.Has("abc"))

	require.NoError(t, tk.Remove("abc"))
	require.False(t, tk.Has("abc"))
}

func TestWriteUplinksFileRejectsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := WriteUplinksFile(fs, "/run/ips", nil)
	require.Error(t, err)
}

func TestWriteBitrateFileFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteBitrateFile(fs, "/run/br", 300000, 6000000))

	data, err := afero.ReadFile(fs, "/run/br")
	require.NoError(t, err)
	require.Equal(t, "300000\n6000000\n", string(data))
}
