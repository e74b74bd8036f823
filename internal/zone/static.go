package zone

import "unsafe"

// staticBacking holds the small set of compile-time constant strings the engine
// hands out instead of allocating: the empty string and the ten single
// digits. Freeing one is always a no-op.
var staticBacking = func() map[string][]byte {
	m := map[string][]byte{"": {0}}
	for d := byte('0'); d <= '9'; d++ {
		m[string(d)] = []byte{d, 0}
	}

	return m
}()

var staticPtrs = func() map[unsafe.Pointer]struct{} {
	m := make(map[unsafe.Pointer]struct{}, len(staticBacking))
	for _, b := range staticBacking {
		m[unsafe.Pointer(&b[0])] = struct{}{}
	}

	return m
}()

// StaticString returns the static backing bytes for s, and whether s is
// one of the recognized constants ("" or a single decimal digit).
func StaticString(s string) ([]byte, bool) {
	b, ok := staticBacking[s]

	return b, ok
}

// IsStatic reports whether ptr was handed out by StaticString.
func IsStatic(ptr unsafe.Pointer) bool {
	_, ok := staticPtrs[ptr]

	return ok
}
