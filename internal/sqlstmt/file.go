package sqlstmt

import (
	"fmt"
	"strings"
)

// FileOptions controls how DuckDB parses a delimited drop file.
type FileOptions struct {
	Delimiter string // default ","
	Skip      int    // leading lines to skip before the header
}

// ReadDelimited returns a DuckDB query reading path with every column as
// VARCHAR, so that type inference sees the raw text.
func ReadDelimited(path string, opts FileOptions) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path is required")
	}
	delim := opts.Delimiter
	if delim == "" {
		delim = ","
	}
	if opts.Skip < 0 {
		return "", fmt.Errorf("skip must be non-negative")
	}
	args := []string{
		QuoteLiteral(path),
		"header = true",
		"all_varchar = true",
		"delim = " + QuoteLiteral(delim),
		"null_padding = true",
	}
	if opts.Skip > 0 {
		args = append(args, fmt.Sprintf("skip = %d", opts.Skip))
	}
	return fmt.Sprintf("SELECT * FROM read_csv(%s)", strings.Join(args, ", ")), nil
}
