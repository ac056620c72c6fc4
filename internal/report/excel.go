package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

const (
	transcriptSheet = "Transcript"
	notesSheet      = "Notes"
)

// Write renders a processed session as an xlsx workbook: one sheet with the
// speaker-labeled transcript, one with the extracted notes.
func Write(w io.Writer, sess types.Session) error {
	if sess.Status != types.StatusProcessed {
		return fmt.Errorf("session %s is %s, only processed sessions have a report", sess.ID, sess.Status)
	}

	f := excelize.NewFile()
	defer f.Close()

	// excelize starts with "Sheet1"; rename it instead of leaving it empty.
	if err := f.SetSheetName("Sheet1", transcriptSheet); err != nil {
		return err
	}

	headers := []any{"Start (s)", "End (s)", "Speaker", "Text"}
	if err := f.SetSheetRow(transcriptSheet, "A1", &headers); err != nil {
		return err
	}
	for i, seg := range sess.TranscriptSegments {
		cell := fmt.Sprintf("A%d", i+2)
		row := []any{seg.Start, seg.End, seg.Speaker, seg.Text}
		if err := f.SetSheetRow(transcriptSheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(notesSheet); err != nil {
		return err
	}
	if err := writeNotes(f, sess.ExtractedNotes); err != nil {
		return err
	}

	return f.Write(w)
}

// writeNotes flattens the opaque notes object into field/value rows. Nested
// values render as compact JSON, list values one per line.
func writeNotes(f *excelize.File, notes json.RawMessage) error {
	header := []any{"Field", "Value"}
	if err := f.SetSheetRow(notesSheet, "A1", &header); err != nil {
		return err
	}

	if len(notes) == 0 {
		row := []any{"(no notes)", "note extraction was unavailable for this session"}
		return f.SetSheetRow(notesSheet, "A2", &row)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(notes, &fields); err != nil {
		// Opaque but not an object; dump as-is.
		row := []any{"notes", string(notes)}
		return f.SetSheetRow(notesSheet, "A2", &row)
	}

	i := 2
	for _, key := range sortedKeys(fields) {
		row := []any{key, renderValue(fields[key])}
		if err := f.SetSheetRow(notesSheet, fmt.Sprintf("A%d", i), &row); err != nil {
			return err
		}
		i++
	}
	return nil
}

func renderValue(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		out := ""
		for i, item := range list {
			if i > 0 {
				out += "\n"
			}
			out += "- " + item
		}
		return out
	}
	return string(raw)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
