package abilities

import "embed"

// DefaultFiles contains the shipped ability catalog fixtures, embedded
// directly (unlike the teacher's talents/ package, which copies
// generated files into a gitignored defaults/ at build time, these are
// checked-in source so the embed is self-contained).
//
//go:embed defaults/*.yaml
var DefaultFiles embed.FS
