package timeclock

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// RenderAttestation produces a one-page PDF stating the outcome of a chain
// verification, suitable for handing to a labour inspector.
func RenderAttestation(result VerifyResult, issuer string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Time clock ledger attestation", false)
	pdf.SetCreator(issuer, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Time clock ledger attestation")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(55, 7, label)
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 7, value)
		pdf.Ln(7)
	}

	outcome := "VALID"
	if !result.Valid {
		outcome = "INTEGRITY VIOLATION"
	}
	line("Issuer:", issuer)
	line("Outcome:", outcome)
	line("Records checked:", fmt.Sprintf("%d", result.Checked))
	line("Head sequence:", fmt.Sprintf("%d", result.HeadSequence))
	line("Started:", result.StartedAt.UTC().Format(time.RFC3339))
	line("Finished:", result.FinishedAt.UTC().Format(time.RFC3339))
	if result.Violation != nil {
		line("First broken sequence:", fmt.Sprintf("%d", result.Violation.Sequence))
		line("Reason:", result.Violation.Reason)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 7, "Head hash (SHA-256)")
	pdf.Ln(7)
	pdf.SetFont("Courier", "", 9)
	pdf.MultiCell(0, 5, result.HeadHash, "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
