package pcd

import "errors"

// LZF block compression as used by PCD binary_compressed bodies. The format
// is the libLZF stream: literal runs of up to 32 bytes introduced by a
// control byte < 32, and back-references of 3..264 bytes within an 8 KiB
// window.

const (
	lzfHashLog = 14
	lzfMaxOff  = 1 << 13
	lzfMaxRef  = (1 << 8) + (1 << 3)
	lzfMaxLit  = 32
)

var errLZFCorrupt = errors.New("pcd: corrupt lzf stream")

func lzfHash(a, b, c byte) uint32 {
	h := uint32(a)<<16 | uint32(b)<<8 | uint32(c)
	return (h * 2654435761) >> (32 - lzfHashLog)
}

func lzfFlushLiterals(out, in []byte, end, lit int) []byte {
	if lit == 0 {
		return out
	}
	out = append(out, byte(lit-1))
	return append(out, in[end-lit:end]...)
}

// lzfCompress compresses in and returns the stream. The output may be
// slightly larger than the input for incompressible data (worst case one
// control byte per 32 literals); the caller records both sizes.
func lzfCompress(in []byte) []byte {
	out := make([]byte, 0, len(in)+len(in)/16+64)
	var htab [1 << lzfHashLog]int32
	for i := range htab {
		htab[i] = -1
	}
	lit := 0
	i := 0
	for i < len(in)-2 {
		h := lzfHash(in[i], in[i+1], in[i+2])
		ref := int(htab[h])
		htab[h] = int32(i)
		if ref >= 0 && i-ref-1 < lzfMaxOff &&
			in[ref] == in[i] && in[ref+1] == in[i+1] && in[ref+2] == in[i+2] {
			out = lzfFlushLiterals(out, in, i, lit)
			lit = 0
			maxlen := len(in) - i
			if maxlen > lzfMaxRef {
				maxlen = lzfMaxRef
			}
			l := 3
			for l < maxlen && in[ref+l] == in[i+l] {
				l++
			}
			off := i - ref - 1
			stored := l - 2
			if stored < 7 {
				out = append(out, byte(stored<<5)|byte(off>>8), byte(off))
			} else {
				out = append(out, byte(7<<5)|byte(off>>8), byte(stored-7), byte(off))
			}
			i += l
		} else {
			lit++
			i++
			if lit == lzfMaxLit {
				out = lzfFlushLiterals(out, in, i, lit)
				lit = 0
			}
		}
	}
	for i < len(in) {
		lit++
		i++
		if lit == lzfMaxLit {
			out = lzfFlushLiterals(out, in, i, lit)
			lit = 0
		}
	}
	return lzfFlushLiterals(out, in, i, lit)
}

// lzfDecompress expands a stream to exactly outLen bytes.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)
	i := 0
	for i < len(in) {
		ctrl := int(in[i])
		i++
		if ctrl < 32 {
			n := ctrl + 1
			if i+n > len(in) {
				return nil, errLZFCorrupt
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}
		l := ctrl >> 5
		if l == 7 {
			if i >= len(in) {
				return nil, errLZFCorrupt
			}
			l += int(in[i])
			i++
		}
		l += 2
		if i >= len(in) {
			return nil, errLZFCorrupt
		}
		off := (ctrl&0x1f)<<8 | int(in[i])
		i++
		ref := len(out) - off - 1
		if ref < 0 {
			return nil, errLZFCorrupt
		}
		// Byte-wise copy: the reference may overlap the output tail.
		for k := 0; k < l; k++ {
			out = append(out, out[ref+k])
		}
	}
	if len(out) != outLen {
		return nil, errLZFCorrupt
	}
	return out, nil
}
