package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var ErrShape = errors.New("shape mismatch")

// Param is a trainable matrix owned by exactly one module.
type Param struct {
	Name string
	Data *mat.Dense

	fixed        bool
	requiresGrad bool
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:         name,
		Data:         mat.NewDense(rows, cols, nil),
		requiresGrad: true,
	}
}

// Fix marks the parameter as never receiving gradient updates.
func (p *Param) Fix() *Param {
	p.fixed = true
	p.requiresGrad = false
	return p
}

func (p *Param) Fixed() bool { return p.fixed }

func (p *Param) RequiresGrad() bool { return p.requiresGrad }

// SetRequiresGrad toggles gradient tracking; fixed parameters stay frozen.
func (p *Param) SetRequiresGrad(on bool) {
	p.requiresGrad = on && !p.fixed
}

// CopyFrom overwrites the parameter values in place, keeping the backing storage.
func (p *Param) CopyFrom(src mat.Matrix) error {
	r, c := src.Dims()
	pr, pc := p.Data.Dims()
	if r != pr || c != pc {
		return fmt.Errorf("%w: %s is %dx%d, source is %dx%d", ErrShape, p.Name, pr, pc, r, c)
	}
	p.Data.Copy(src)
	return nil
}

// CopyRow overwrites a single row in place.
func (p *Param) CopyRow(row int, values []float64) error {
	_, pc := p.Data.Dims()
	if len(values) != pc {
		return fmt.Errorf("%w: %s row has %d columns, source has %d", ErrShape, p.Name, pc, len(values))
	}
	p.Data.SetRow(row, values)
	return nil
}

func SetRequiresGrad(params []*Param, on bool) {
	for _, p := range params {
		p.SetRequiresGrad(on)
	}
}

// AnyRequiresGrad reports whether at least one parameter tracks gradients.
func AnyRequiresGrad(params []*Param) bool {
	for _, p := range params {
		if p.RequiresGrad() {
			return true
		}
	}
	return false
}

// Scalar is a loss value tagged with whether it is connected to tracked parameters.
type Scalar struct {
	Value   float64
	Tracked bool
}

func Const(v float64) Scalar { return Scalar{Value: v} }

// TrackedZero is a zero-valued term that keeps an optimizer step well defined.
func TrackedZero() Scalar { return Scalar{Tracked: true} }

func (s Scalar) Add(o Scalar) Scalar {
	return Scalar{Value: s.Value + o.Value, Tracked: s.Tracked || o.Tracked}
}

func (s Scalar) Scale(w float64) Scalar {
	return Scalar{Value: s.Value * w, Tracked: s.Tracked}
}
