package multiplex

import "fmt"

// Style names a partitioning scheme for Scatter and Gather.
type Style string

const (
	// StyleBasic splits a sequence into contiguous chunks; the first len%n
	// chunks hold one extra element.
	StyleBasic Style = "basic"

	// StyleCyclic deals element i to chunk i%n.
	StyleCyclic Style = "cyclic"
)

// ParseStyle maps a style name to a Style. The empty string is StyleBasic.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case "", StyleBasic:
		return StyleBasic, nil
	case StyleCyclic:
		return StyleCyclic, nil
	default:
		return "", fmt.Errorf("unknown scatter style %q", s)
	}
}

// Partition splits seq into n chunks according to style.
func Partition(seq []any, n int, style Style) ([][]any, error) {
	if n <= 0 {
		return nil, fmt.Errorf("partition into %d chunks", n)
	}
	chunks := make([][]any, n)

	switch style {
	case StyleBasic, "":
		size, extra := len(seq)/n, len(seq)%n
		start := 0
		for i := range n {
			end := start + size
			if i < extra {
				end++
			}
			chunks[i] = append([]any{}, seq[start:end]...)
			start = end
		}
	case StyleCyclic:
		for i := range chunks {
			chunks[i] = []any{}
		}
		for i, v := range seq {
			chunks[i%n] = append(chunks[i%n], v)
		}
	default:
		return nil, fmt.Errorf("unknown scatter style %q", style)
	}
	return chunks, nil
}

// Join reassembles chunks produced by Partition with the same style.
func Join(chunks [][]any, style Style) ([]any, error) {
	out := []any{}
	switch style {
	case StyleBasic, "":
		for _, c := range chunks {
			out = append(out, c...)
		}
	case StyleCyclic:
		for round := 0; ; round++ {
			took := false
			for _, c := range chunks {
				if round < len(c) {
					out = append(out, c[round])
					took = true
				}
			}
			if !took {
				break
			}
		}
	default:
		return nil, fmt.Errorf("unknown scatter style %q", style)
	}
	return out, nil
}

// asChunk treats a gathered value as a chunk. Scalars pushed by a flattening
// scatter come back as one-element chunks.
func asChunk(v any) []any {
	if c, ok := v.([]any); ok {
		return c
	}
	return []any{v}
}
