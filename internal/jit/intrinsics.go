package jit

import "math"

// Intrinsic tables. Unary and binary math lowers to indexed entries here;
// the compiler resolves names at emission time and aborts on unknown names,
// mirroring the treatment of any other malformed kernel.

type unaryIntrinsic struct {
	name string
	fn   func(float32) float32
}

type binaryIntrinsic struct {
	name string
	fn   func(float32, float32) float32
}

func unary64(f func(float64) float64) func(float32) float32 {
	return func(x float32) float32 { return float32(f(float64(x))) }
}

func binary64(f func(float64, float64) float64) func(float32, float32) float32 {
	return func(a, b float32) float32 { return float32(f(float64(a), float64(b))) }
}

var unaryIntrinsics = []unaryIntrinsic{
	{"sin", unary64(math.Sin)},
	{"cos", unary64(math.Cos)},
	{"tan", unary64(math.Tan)},
	{"asin", unary64(math.Asin)},
	{"acos", unary64(math.Acos)},
	{"atan", unary64(math.Atan)},
	{"sinh", unary64(math.Sinh)},
	{"cosh", unary64(math.Cosh)},
	{"tanh", unary64(math.Tanh)},
	{"exp", unary64(math.Exp)},
	{"exp2", unary64(math.Exp2)},
	{"log", unary64(math.Log)},
	{"log2", unary64(math.Log2)},
	{"log10", unary64(math.Log10)},
	{"sqrt", unary64(math.Sqrt)},
	{"cbrt", unary64(math.Cbrt)},
	{"abs", func(x float32) float32 {
		if x < 0 {
			return -x
		}
		return x
	}},
	{"floor", unary64(math.Floor)},
	{"ceil", unary64(math.Ceil)},
	{"round", unary64(math.Round)},
	{"trunc", unary64(math.Trunc)},
}

var binaryIntrinsics = []binaryIntrinsic{
	{"pow", binary64(math.Pow)},
	{"atan2", binary64(math.Atan2)},
	{"hypot", binary64(math.Hypot)},
	{"mod", binary64(math.Mod)},
	{"copysign", binary64(math.Copysign)},
	{"min", func(a, b float32) float32 {
		if a < b {
			return a
		}
		return b
	}},
	{"max", func(a, b float32) float32 {
		if a > b {
			return a
		}
		return b
	}},
}

func findUnaryIntrinsic(name string) (int32, bool) {
	for i := range unaryIntrinsics {
		if unaryIntrinsics[i].name == name {
			return int32(i), true
		}
	}
	return 0, false
}

func findBinaryIntrinsic(name string) (int32, bool) {
	for i := range binaryIntrinsics {
		if binaryIntrinsics[i].name == name {
			return int32(i), true
		}
	}
	return 0, false
}
