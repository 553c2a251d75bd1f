package camera

import "fmt"

// FitsPoller reads the first image plane of a FITS file that is
// overwritten in place by the acquisition software.  A file caught
// mid-write fails with ErrAcquisition and is retried on the next read.
type FitsPoller struct {
	Path string
}

// Read re-reads the file
func (p FitsPoller) Read() (*Frame, error) {
	layers, err := ReadFitsFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAcquisition, p.Path, err)
	}
	for _, l := range layers {
		if len(l.Shape) >= 2 {
			return l.Frame()
		}
	}
	return nil, fmt.Errorf("%w: %s: no 2D image", ErrAcquisition, p.Path)
}

// Sim renders synthetic frames
type Sim struct {
	Rows, Cols int

	// Render fills a zeroed frame
	Render func(*Frame) error
}

// Read renders a new frame
func (s Sim) Read() (*Frame, error) {
	f := NewFrame(s.Rows, s.Cols)
	if s.Render != nil {
		if err := s.Render(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}
