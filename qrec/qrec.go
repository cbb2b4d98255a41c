package qrec

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Scheme is a quantization scheme.
type Scheme int

const (
	SchemeFloat Scheme = iota
	SchemeScaled
	SchemePow2
)

var schemeNames = []string{"FLOAT", "SQ8", "POW2"}

// String implements fmt.Stringer.
func (s Scheme) String() string {
	if int(s) < 0 || int(s) >= len(schemeNames) {
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
	return schemeNames[s]
}

// ParseScheme is the reverse of Scheme.String.
func ParseScheme(name string) (Scheme, bool) {
	for ii, n := range schemeNames {
		if strings.EqualFold(n, name) {
			return Scheme(ii), true
		}
	}
	return 0, false
}

// Expression is a quantized expression attached to a fused expression node.
// It is implemented by the expr package.
type Expression interface {
	String() string
}

// QRec is the quantization record of one node: one QType per input and output, plus the
// optional accumulator and internal calculation formats.
type QRec struct {
	Scheme Scheme
	InQs   []*QType
	OutQs  []*QType

	// AccQ is the accumulator format of linear and convolution kernels.
	AccQ *QType

	// CalcQ is the format intermediate results are computed in.
	CalcQ *QType

	// Expr is set for fused expression nodes.
	Expr Expression
}

// NewQRec creates a QRec from its input and output QTypes.
func NewQRec(scheme Scheme, inQs, outQs []*QType) *QRec {
	return &QRec{Scheme: scheme, InQs: inQs, OutQs: outQs}
}

// InQ returns the QType of input idx, or nil.
func (r *QRec) InQ(idx int) *QType {
	if r == nil || idx < 0 || idx >= len(r.InQs) {
		return nil
	}
	return r.InQs[idx]
}

// OutQ returns the QType of output idx, or nil.
func (r *QRec) OutQ(idx int) *QType {
	if r == nil || idx < 0 || idx >= len(r.OutQs) {
		return nil
	}
	return r.OutQs[idx]
}

// Clone returns a deep copy. The expression is shared.
func (r *QRec) Clone() *QRec {
	if r == nil {
		return nil
	}
	return &QRec{
		Scheme: r.Scheme,
		InQs:   xslices.Map(r.InQs, (*QType).Clone),
		OutQs:  xslices.Map(r.OutQs, (*QType).Clone),
		AccQ:   r.AccQ.Clone(),
		CalcQ:  r.CalcQ.Clone(),
		Expr:   r.Expr,
	}
}

// String implements fmt.Stringer.
func (r *QRec) String() string {
	if r == nil {
		return "<no qrec>"
	}
	var sb strings.Builder
	w := func(format string, args ...any) {
		_, _ = fmt.Fprintf(&sb, format, args...)
	}
	w("%s in=[", r.Scheme)
	for ii, q := range r.InQs {
		if ii > 0 {
			w(", ")
		}
		w("%s", q)
	}
	w("] out=[")
	for ii, q := range r.OutQs {
		if ii > 0 {
			w(", ")
		}
		w("%s", q)
	}
	w("]")
	if r.AccQ != nil {
		w(" acc=%s", r.AccQ)
	}
	if r.CalcQ != nil {
		w(" calc=%s", r.CalcQ)
	}
	if r.Expr != nil {
		w(" expr=%s", r.Expr)
	}
	return sb.String()
}
