package clinicaldoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// RenderPDF renders a document with its signature block as an A4 PDF.
func RenderPDF(doc *Document) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetTitle(doc.DocumentType.Label(), true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, strings.ToUpper(doc.DocumentType.Label()), "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 9)
	meta := [][2]string{
		{"Document", doc.ID.String()},
		{"Subject", doc.SubjectID.String()},
		{"Author", doc.AuthorID.String()},
		{"Status", strings.ToUpper(string(doc.State()))},
		{"Created", doc.CreatedAt.UTC().Format(time.RFC3339)},
	}
	for _, m := range meta {
		pdf.CellFormat(30, 6, m[0], "", 0, "", false, 0, "")
		pdf.CellFormat(0, 6, m[1], "", 1, "", false, 0, "")
	}
	pdf.Ln(4)

	for _, key := range sortedKeys(doc.Content) {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(0, 7, tr(fieldTitle(key)), "B", 1, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 5, tr(formatValue(doc.Content[key])), "", "", false)
		pdf.Ln(2)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 7, "Signature", "T", 1, "", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	if doc.IsSigned && doc.SignedAt != nil && doc.SignedBy != nil {
		pdf.CellFormat(0, 5, fmt.Sprintf("Electronically signed by %s at %s", doc.SignedBy, doc.SignedAt.UTC().Format(time.RFC3339)), "", 1, "", false, 0, "")
		if doc.ContentHash != nil {
			pdf.CellFormat(0, 5, "Content SHA-256: "+*doc.ContentHash, "", 1, "", false, 0, "")
		}
	} else {
		pdf.CellFormat(0, 5, "Not signed", "", 1, "", false, 0, "")
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// fieldTitle turns "generated_note" into "Generated Note".
func fieldTitle(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case float64:
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
