package asm

import (
	"fmt"
	"math"
	"strings"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// Disassemble renders an image as assembly listing text. Names resolves
// opcodes outside the built-in set and may be nil.
func Disassemble(img *image.Image, names func(image.Opcode) (string, bool)) string {
	var sb strings.Builder

	bodies := make(map[int32][]string)
	for i := 0; i < img.ProcCount(); i++ {
		p := img.Procedure(i)
		fmt.Fprintf(&sb, ".proc %s%s args=%d ; body %#x\n", p.Name, procAttrs(p.Flags), p.Args, p.Body)
		bodies[p.Body] = append(bodies[p.Body], p.Name)
	}

	for pos := img.CodeStart(); pos+2 <= img.Len(); {
		for _, name := range bodies[int32(pos)] {
			fmt.Fprintf(&sb, "%s:\n", name)
		}
		w, _ := img.Word(pos)
		op := image.Opcode(w)
		switch image.Tag(w) {
		case image.TagInt, image.TagFloat, image.TagString:
			v, ok := img.Long(pos + 2)
			if !ok {
				fmt.Fprintf(&sb, "%6x  %s <truncated>\n", pos, op)
				return sb.String()
			}
			fmt.Fprintf(&sb, "%6x  push %s\n", pos, immediate(img, image.Tag(w), v))
			pos += 6
			continue
		}
		name := op.String()
		if names != nil {
			if n, ok := names(op); ok {
				name = n
			}
		}
		fmt.Fprintf(&sb, "%6x  %s\n", pos, name)
		pos += 2
	}
	return sb.String()
}

func immediate(img *image.Image, tag image.Tag, v int32) string {
	switch tag {
	case image.TagFloat:
		return fmt.Sprintf("%g", math.Float32frombits(uint32(v)))
	case image.TagString:
		if s, err := img.StaticString(v); err == nil {
			return fmt.Sprintf("%q", s)
		}
	}
	return fmt.Sprintf("%d", v)
}

func procAttrs(flags int32) string {
	var sb strings.Builder
	for _, f := range []struct {
		bit  int32
		name string
	}{
		{image.ProcTimed, "timed"},
		{image.ProcConditional, "conditional"},
		{image.ProcImported, "import"},
		{image.ProcExported, "export"},
		{image.ProcCritical, "critical"},
	} {
		if flags&f.bit != 0 {
			sb.WriteString(" " + f.name)
		}
	}
	return sb.String()
}
