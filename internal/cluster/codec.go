package cluster

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
)

// MaxGridCells bounds the size of a grid accepted from the wire, and with it
// the memory a single payload may decompress into.
const MaxGridCells = 1 << 28

// GridPayload is a grid on the wire: row-major cells compressed with zstd.
// Data is base64 in JSON.
type GridPayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxGridCells))
	if err != nil {
		panic(err)
	}
}

// EncodeGrid flattens and compresses g.
func EncodeGrid(g life.Grid) GridPayload {
	width, height := g.Width(), g.Height()
	flat := make([]byte, 0, width*height)
	for _, row := range g {
		flat = append(flat, row...)
	}
	return GridPayload{
		Width:  width,
		Height: height,
		Data:   encoder.EncodeAll(flat, make([]byte, 0, len(flat)/8+64)),
	}
}

// DecodeGrid restores the grid carried by p.
func DecodeGrid(p GridPayload) (life.Grid, error) {
	if p.Width < 0 || p.Height < 0 {
		return nil, cerror.ErrInvalidRequest.GenWithStackByArgs("negative grid dimensions")
	}
	if p.Width > MaxGridCells || p.Height > MaxGridCells ||
		(p.Width > 0 && p.Height > MaxGridCells/p.Width) {
		return nil, cerror.ErrInvalidRequest.GenWithStackByArgs(
			fmt.Sprintf("grid of %dx%d exceeds %d cells", p.Width, p.Height, MaxGridCells))
	}
	want := p.Width * p.Height
	if want == 0 {
		return life.New(p.Width, p.Height), nil
	}
	flat, err := decoder.DecodeAll(p.Data, make([]byte, 0, want))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidRequest, errors.Trace(err), "undecodable grid payload")
	}
	if len(flat) != want {
		return nil, cerror.ErrInvalidRequest.GenWithStackByArgs(
			fmt.Sprintf("grid payload holds %d cells, want %d", len(flat), want))
	}
	g := make(life.Grid, p.Height)
	for y := range g {
		g[y] = flat[y*p.Width : (y+1)*p.Width : (y+1)*p.Width]
	}
	return g, nil
}
