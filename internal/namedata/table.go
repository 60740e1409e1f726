// Package namedata holds small lookup tables the checker needs that are
// more natural to express as data than as code, loaded from an embedded
// CSV at package init.
package namedata

import (
	_ "embed"
	"fmt"

	"github.com/gocarina/gocsv"
)

//go:embed ea_names.csv
var eaNamesCSV []byte

// eaNameRow is one row of ea_names.csv.
type eaNameRow struct {
	ShortName string `csv:"short_name"`
}

// EAExceptions lists the well-known OS/2 extended-attribute short names
// that bad-name detection always accepts verbatim, regardless of mode.
var EAExceptions = mustLoadEAExceptions()

func mustLoadEAExceptions() [][11]byte {
	var rows []eaNameRow
	if err := gocsv.UnmarshalBytes(eaNamesCSV, &rows); err != nil {
		panic(fmt.Sprintf("namedata: malformed embedded ea_names.csv: %v", err))
	}

	out := make([][11]byte, 0, len(rows))
	for _, r := range rows {
		var name [11]byte
		copy(name[:], r.ShortName)
		out = append(out, name)
	}
	return out
}
