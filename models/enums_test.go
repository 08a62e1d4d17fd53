package models

import "testing"

func TestSourceValid(t *testing.T) {
	for _, s := range []Source{SourceAPI, SourceCSV, SourcePDF, SourceManual} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []Source{"", "API", "xlsx", "unknown"} {
		if s.Valid() {
			t.Errorf("%q should not be valid", s)
		}
	}
}
