package pgm

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
)

func TestWriteThenRead(t *testing.T) {
	g := life.Random(17, 9, 3, 0.4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))
	assert.True(t, strings.HasPrefix(buf.String(), "P5\n17 9\n255\n"))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.True(t, got.Equal(g))
}

func TestReadHeaderVariants(t *testing.T) {
	// comments, odd whitespace and a small maxval
	data := "P5\n# made by hand\n3   2\n# another\n1\n" + string([]byte{1, 0, 1, 0, 0, 1})
	g, err := Read(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Width())
	assert.Equal(t, 2, g.Height())
	assert.Equal(t, []byte{life.Alive, life.Dead, life.Alive}, []byte(g[0]))
	assert.Equal(t, 3, g.AliveCount())
}

func TestReadRejectsBadImages(t *testing.T) {
	tests := map[string]string{
		"wrong magic":    "P2\n1 1\n255\n\x00",
		"bad width":      "P5\nx 1\n255\n\x00",
		"zero height":    "P5\n1 0\n255\n",
		"16-bit":         "P5\n1 1\n65535\n\x00\x00",
		"short pixels":   "P5\n2 2\n255\n\x00",
		"missing header": "P5\n2",
		"empty":          "",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(data))
			require.Error(t, err)
			assert.True(t, cerror.Is(err, cerror.ErrImage), "got %v", err)
		})
	}
}

func TestFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	g := life.Random(8, 4, 1, 0.5)

	path, err := WriteFile(dir, g, 100)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "8x4x100.pgm"), path)

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, got.Equal(g))

	_, err = ReadFile(filepath.Join(dir, "missing.pgm"))
	assert.True(t, cerror.Is(err, cerror.ErrImage))
}
