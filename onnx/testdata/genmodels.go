//go:build ignore

// genmodels writes the tiny ONNX graphs used by the predictor tests:
//
//	mean_fp32.onnx   image float32 [batch,2,2,3] -> ReduceMean(axes 1,2) -> scores [batch,3]
//	mean_fp16.onnx   same graph in float16 (Cast to float32 around the mean)
//	two_outputs.onnx mean_fp32 plus a ReduceMax output, which Load must reject
//
// Each score is the mean of one colour channel, so a uniform image of
// (r, g, b) scores exactly (r, g, b). Run from this directory with
// `go run genmodels.go`.
package main

import (
	"log"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	elemFloat   = 1
	elemFloat16 = 10

	attrInt  = 2
	attrInts = 7
)

func varint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func bytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func str(b []byte, num protowire.Number, v string) []byte {
	return bytesField(b, num, []byte(v))
}

// dim is a fixed size for an int, a named dynamic dimension for a string.
func dim(d any) []byte {
	var v []byte
	switch d := d.(type) {
	case int:
		v = varint(nil, 1, uint64(d))
	case string:
		v = str(nil, 2, d)
	}
	return bytesField(nil, 1, v)
}

func valueInfo(name string, elem uint64, dims ...any) []byte {
	var shape []byte
	for _, d := range dims {
		shape = append(shape, dim(d)...)
	}
	tensor := varint(nil, 1, elem)
	tensor = bytesField(tensor, 2, shape)
	b := str(nil, 1, name)
	return bytesField(b, 2, bytesField(nil, 1, tensor))
}

func intAttr(name string, v uint64) []byte {
	b := str(nil, 1, name)
	b = varint(b, 20, attrInt)
	return varint(b, 3, v)
}

func intsAttr(name string, vs ...uint64) []byte {
	b := str(nil, 1, name)
	b = varint(b, 20, attrInts)
	for _, v := range vs {
		b = varint(b, 8, v)
	}
	return b
}

func node(name, op string, in, out []string, attrs ...[]byte) []byte {
	var b []byte
	for _, s := range in {
		b = str(b, 1, s)
	}
	for _, s := range out {
		b = str(b, 2, s)
	}
	b = str(b, 3, name)
	b = str(b, 4, op)
	for _, a := range attrs {
		b = bytesField(b, 5, a)
	}
	return b
}

func reduce(name, op, src, dst string) []byte {
	return node(name, op, []string{src}, []string{dst}, intsAttr("axes", 1, 2), intAttr("keepdims", 0))
}

func model(elem uint64, batch any, extraOutput bool) []byte {
	var g []byte
	if elem == elemFloat16 {
		g = bytesField(g, 1, node("widen", "Cast", []string{"image"}, []string{"image_f32"}, intAttr("to", elemFloat)))
		g = bytesField(g, 1, reduce("mean", "ReduceMean", "image_f32", "scores_f32"))
		g = bytesField(g, 1, node("narrow", "Cast", []string{"scores_f32"}, []string{"scores"}, intAttr("to", elemFloat16)))
	} else {
		g = bytesField(g, 1, reduce("mean", "ReduceMean", "image", "scores"))
	}
	if extraOutput {
		g = bytesField(g, 1, reduce("max", "ReduceMax", "image", "peak"))
	}
	g = str(g, 2, "pancake_mean")
	g = bytesField(g, 11, valueInfo("image", elem, batch, 2, 2, 3))
	g = bytesField(g, 12, valueInfo("scores", elem, batch, 3))
	if extraOutput {
		g = bytesField(g, 12, valueInfo("peak", elem, batch, 3))
	}

	opset := str(nil, 1, "")
	opset = varint(opset, 2, 13)

	b := varint(nil, 1, 7) // IR version
	b = str(b, 2, "pancaketagger")
	b = bytesField(b, 7, g)
	return bytesField(b, 8, opset)
}

func main() {
	files := map[string][]byte{
		"mean_fp32.onnx":   model(elemFloat, "batch", false),
		"mean_fp16.onnx":   model(elemFloat16, 1, false),
		"two_outputs.onnx": model(elemFloat, 1, true),
	}
	for name, data := range files {
		if err := os.WriteFile(name, data, 0o644); err != nil {
			log.Fatal(err)
		}
	}
}
