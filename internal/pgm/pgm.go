// Package pgm reads and writes binary PGM (P5) images holding a grid, one
// byte per cell.
package pgm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pingcap/errors"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
)

const magic = "P5"

// FileName is the name of the image holding a grid of the given size at a
// turn, e.g. 512x512x100.pgm.
func FileName(width, height, turn int) string {
	return fmt.Sprintf("%dx%dx%d.pgm", width, height, turn)
}

// Read decodes a P5 image. Pixels brighter than half of maxval become alive
// cells, everything else dead.
func Read(r io.Reader) (life.Grid, error) {
	br := bufio.NewReader(r)
	tok, err := token(br)
	if err != nil {
		return nil, err
	}
	if tok != magic {
		return nil, cerror.ErrImage.GenWithStackByArgs(fmt.Sprintf("magic %q, want %q", tok, magic))
	}
	var header [3]int
	for i, name := range []string{"width", "height", "maxval"} {
		tok, err := token(br)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(tok)
		if err != nil || n < 1 {
			return nil, cerror.ErrImage.GenWithStackByArgs(fmt.Sprintf("bad %s %q", name, tok))
		}
		header[i] = n
	}
	width, height, maxval := header[0], header[1], header[2]
	if maxval > 255 {
		return nil, cerror.ErrImage.GenWithStackByArgs(fmt.Sprintf("maxval %d, only 8-bit images are supported", maxval))
	}

	g := life.New(width, height)
	for y := range g {
		if _, err := io.ReadFull(br, g[y]); err != nil {
			return nil, cerror.WrapError(cerror.ErrImage, err, fmt.Sprintf("short pixel data at row %d", y))
		}
		for x, v := range g[y] {
			if int(v)*2 > maxval {
				g[y][x] = life.Alive
			} else {
				g[y][x] = life.Dead
			}
		}
	}
	return g, nil
}

// token returns the next header field. The single whitespace byte after it
// is consumed, so after maxval the reader sits on the first pixel.
func token(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return string(buf), nil
			}
			return "", cerror.WrapError(cerror.ErrImage, err, "truncated header")
		}
		switch {
		case c == '#' && len(buf) == 0:
			if _, err := br.ReadString('\n'); err != nil {
				return "", cerror.WrapError(cerror.ErrImage, err, "truncated comment")
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(buf) > 0 {
				return string(buf), nil
			}
		default:
			buf = append(buf, c)
		}
	}
}

// Write encodes g as a P5 image with maxval 255.
func Write(w io.Writer, g life.Grid) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n%d %d\n255\n", magic, g.Width(), g.Height()); err != nil {
		return errors.Trace(err)
	}
	for _, row := range g {
		if _, err := bw.Write(row); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(bw.Flush())
}

// ReadFile reads the image at path.
func ReadFile(path string) (life.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrImage, err, fmt.Sprintf("open %s", path))
	}
	defer f.Close()
	return Read(f)
}

// WriteFile writes g into dir under FileName and returns the path.
func WriteFile(dir string, g life.Grid, turn int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Trace(err)
	}
	path := filepath.Join(dir, FileName(g.Width(), g.Height(), turn))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := Write(f, g); err != nil {
		f.Close()
		return "", err
	}
	return path, errors.Trace(f.Close())
}
