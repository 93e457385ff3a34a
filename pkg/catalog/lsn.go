package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN parses a Postgres WAL-position in its textual "%X/%X" form into
// an unsigned 64-bit value with the high 32 bits before the separator, the
// same representation pg_lsn_in uses internally. LSN comparisons throughout
// the copy engine operate on this integer form.
func ParseLSN(text string) (uint64, error) {
	hi, lo, found := strings.Cut(text, "/")
	if !found {
		return 0, fmt.Errorf("malformed lsn %q: missing separator", text)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", text, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", text, err)
	}
	return hiVal<<32 | loVal, nil
}
