package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certification-pipeline/internal/config"
)

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	st := &LocalStore{BaseDir: dir}

	ref, err := st.Put(context.Background(), Key("doc-1", "abc"), []byte(`{"a":1}`))
	require.NoError(t, err)

	path := filepath.Join(dir, "certificates", "doc-1", "abc.json")
	assert.Equal(t, "file://"+filepath.ToSlash(path), ref)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestLocalStoreStaysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	st := &LocalStore{BaseDir: dir}

	_, err := st.Put(context.Background(), "../../escape.json", []byte("x"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape.json"))
	assert.NoError(t, err)

	_, err = st.Put(context.Background(), "", []byte("x"))
	assert.Error(t, err)
}

func TestNewRequiresConfiguration(t *testing.T) {
	_, err := New(context.Background(), config.Config{})
	assert.Error(t, err)

	st, err := New(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, st)
}
