package export

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/tealeg/xlsx"

	"github.com/dukerupert/loantracker/internal/model"
)

// Statement is the set of loans exported for one account.
type Statement struct {
	Username  string
	AccountID int64
	Generated time.Time
	Loans     []model.LoanView
}

var header = []string{"ID", "Role", "Counterparty", "Amount", "Currency", "Expires", "Approved", "Paid"}

// row flattens a loan into the statement columns from the account's point of view.
func (s Statement) row(l model.LoanView) []string {
	role, other := "borrowed", l.Loaner
	if l.LoanerID == s.AccountID {
		role, other = "lent", l.Loaned
	}
	return []string{
		strconv.FormatInt(l.ID, 10),
		role,
		other,
		l.Amount.StringFixed(2),
		l.Currency,
		l.TimeExpires.Format("2006-01-02"),
		yesNo(l.Approved),
		yesNo(l.Paid),
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WritePDF renders the statement as an A4 PDF table.
func WritePDF(w io.Writer, s Statement) error {
	widths := []float64{14, 22, 38, 28, 20, 26, 22, 16}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Loan statement", true)
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Loan statement for "+s.Username)
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(40, 8, "Generated "+s.Generated.UTC().Format("2006-01-02 15:04 MST"))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 10)
	for i, h := range header {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(7)

	pdf.SetFont("Arial", "", 10)
	for _, l := range s.Loans {
		for i, v := range s.row(l) {
			align := ""
			if i == 3 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 7, v, "1", 0, align, false, 0, "")
		}
		pdf.Ln(7)
	}
	if len(s.Loans) == 0 {
		pdf.Cell(40, 7, "No loans recorded.")
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// WriteXLSX renders the statement as a single-sheet workbook.
func WriteXLSX(w io.Writer, s Statement) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Loans")
	if err != nil {
		return fmt.Errorf("add sheet: %w", err)
	}

	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetValue(h)
	}

	for _, l := range s.Loans {
		row = sheet.AddRow()
		for _, v := range s.row(l) {
			row.AddCell().SetValue(v)
		}
	}

	if err := file.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
