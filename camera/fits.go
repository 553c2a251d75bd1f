package camera

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrNoImage is generated when a FITS file holds no image data
var ErrNoImage = errors.New("no image data in FITS file")

// Layer is one named image HDU.  Shape is slowest axis first, the way the
// data is laid out in memory; a rows x cols image has Shape {rows, cols}.
type Layer struct {
	Name  string
	Shape []int
	Data  []float64
	Cards []fitsio.Card
}

// Card returns the header card with the given name, or nil
func (l Layer) Card(name string) *fitsio.Card {
	for i := range l.Cards {
		if l.Cards[i].Name == name {
			return &l.Cards[i]
		}
	}
	return nil
}

// Frame returns the first 2D plane of the layer as a Frame
func (l Layer) Frame() (*Frame, error) {
	if len(l.Shape) < 2 {
		return nil, fmt.Errorf("layer %q has %d axes, need at least 2", l.Name, len(l.Shape))
	}
	rows, cols := l.Shape[len(l.Shape)-2], l.Shape[len(l.Shape)-1]
	f := NewFrame(rows, cols)
	copy(f.Data, l.Data[:rows*cols])
	return f, nil
}

// FrameLayer converts a frame into a layer
func FrameLayer(name string, f *Frame, cards ...fitsio.Card) Layer {
	return Layer{Name: name, Shape: []int{f.Rows, f.Cols}, Data: f.Data, Cards: cards}
}

// structural cards are written by fitsio itself or by WriteFits
var structural = map[string]bool{
	"SIMPLE": true, "XTENSION": true, "BITPIX": true, "EXTEND": true,
	"PCOUNT": true, "GCOUNT": true, "EXTNAME": true, "BZERO": true,
	"BSCALE": true, "END": true,
}

// WriteFits streams layers to w as 64-bit float images, one HDU per layer
// in order, each named with EXTNAME
func WriteFits(w io.Writer, layers []Layer) error {
	if len(layers) == 0 {
		return ErrNoImage
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	for _, l := range layers {
		n := 1
		for _, s := range l.Shape {
			n *= s
		}
		if n != len(l.Data) {
			return fmt.Errorf("layer %q: shape %v holds %d values, have %d", l.Name, l.Shape, n, len(l.Data))
		}
		// FITS axes are fastest first
		axes := make([]int, len(l.Shape))
		for i, s := range l.Shape {
			axes[len(axes)-1-i] = s
		}
		im := fitsio.NewImage(-64, axes)
		cards := make([]fitsio.Card, 0, len(l.Cards)+1)
		if l.Name != "" {
			cards = append(cards, fitsio.Card{Name: "EXTNAME", Value: l.Name})
		}
		cards = append(cards, l.Cards...)
		if err = im.Header().Append(cards...); err != nil {
			im.Close()
			return err
		}
		if err = im.Write(l.Data); err != nil {
			im.Close()
			return err
		}
		err = fits.Write(im)
		im.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFits reads every non-empty image HDU in r, applying BZERO and BSCALE
func ReadFits(r io.Reader) ([]Layer, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer fits.Close()
	var out []Layer
	for _, hdu := range fits.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		hdr := img.Header()
		axes := hdr.Axes()
		if len(axes) == 0 {
			continue
		}
		n := 1
		for _, a := range axes {
			n *= a
		}
		if n == 0 {
			continue
		}
		data, err := readFloats(img, hdr.Bitpix(), n)
		if err != nil {
			return nil, err
		}
		zero, scale := 0., 1.
		if c := hdr.Get("BZERO"); c != nil {
			zero = cardFloat(c.Value)
		}
		if c := hdr.Get("BSCALE"); c != nil {
			scale = cardFloat(c.Value)
		}
		if zero != 0 || scale != 1 {
			for i, v := range data {
				data[i] = v*scale + zero
			}
		}
		l := Layer{Data: data, Shape: make([]int, len(axes))}
		for i, a := range axes {
			l.Shape[len(axes)-1-i] = a
		}
		if c := hdr.Get("EXTNAME"); c != nil {
			if s, ok := c.Value.(string); ok {
				l.Name = strings.TrimSpace(s)
			}
		}
		if l.Name == "" && hdu.Name() != "PRIMARY" {
			l.Name = hdu.Name()
		}
		for _, k := range hdr.Keys() {
			if structural[k] || strings.HasPrefix(k, "NAXIS") {
				continue
			}
			if c := hdr.Get(k); c != nil {
				l.Cards = append(l.Cards, *c)
			}
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, ErrNoImage
	}
	return out, nil
}

// ReadFitsFile reads the layers of the FITS file at path
func ReadFitsFile(path string) ([]Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFits(f)
}

// WriteFitsFile creates (or truncates) path and writes layers to it
func WriteFitsFile(path string, layers []Layer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = WriteFits(f, layers)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Find returns the layer with the given name
func Find(layers []Layer, name string) (Layer, bool) {
	for _, l := range layers {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Layer{}, false
}

func readFloats(img fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch bitpix {
	case 8:
		v := make([]uint8, n)
		if err = img.Read(&v); err == nil {
			for i, x := range v {
				out[i] = float64(x)
			}
		}
	case 16:
		v := make([]int16, n)
		if err = img.Read(&v); err == nil {
			for i, x := range v {
				out[i] = float64(x)
			}
		}
	case 32:
		v := make([]int32, n)
		if err = img.Read(&v); err == nil {
			for i, x := range v {
				out[i] = float64(x)
			}
		}
	case 64:
		v := make([]int64, n)
		if err = img.Read(&v); err == nil {
			for i, x := range v {
				out[i] = float64(x)
			}
		}
	case -32:
		v := make([]float32, n)
		if err = img.Read(&v); err == nil {
			for i, x := range v {
				out[i] = float64(x)
			}
		}
	case -64:
		err = img.Read(&out)
	default:
		err = fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, err
}

func cardFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	}
	return 0
}
