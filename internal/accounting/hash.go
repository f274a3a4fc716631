package accounting

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/odyssey-erp/ohada-close/internal/money"
)

// ComputeHash returns the content hash of an entry. Identifier, number, status and
// timestamps are excluded: two entries with the same accounting content share a hash,
// and promoting an entry to posted keeps its hash valid.
func ComputeHash(e JournalEntry) string {
	var b strings.Builder
	writeField(&b, e.Journal)
	writeField(&b, e.Date.UTC().Format("2006-01-02"))
	writeField(&b, e.Reference)
	writeField(&b, e.Label)
	writeField(&b, e.FiscalYearID)
	for _, line := range e.Lines {
		b.WriteString("L|")
		writeField(&b, line.AccountCode)
		writeField(&b, line.Label)
		writeField(&b, line.Debit.Round(money.Scale).String())
		writeField(&b, line.Credit.Round(money.Scale).String())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored hash still matches the entry content.
func VerifyHash(e JournalEntry) bool {
	return e.Hash != "" && e.Hash == ComputeHash(e)
}

// fieldEscaper escapes the escape character before the separator so that no two
// field sequences serialize to the same bytes.
var fieldEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

func writeField(b *strings.Builder, v string) {
	_, _ = fieldEscaper.WriteString(b, v)
	b.WriteByte('|')
}
