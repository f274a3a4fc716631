// Package archive renders the closing pack of a fiscal year to XLSX and PDF files.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/ohada-close/internal/accounting/reports"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

const (
	sheetBalance = "Balance"
	sheetEntries = "Ecritures"
	sheetSteps   = "Etapes"
)

// Writer stores closing archives under a base directory, one folder per fiscal year.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter constructs a Writer rooted at dir.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, logger: logger}
}

// Archive implements close.Archiver.
func (w *Writer) Archive(ctx context.Context, pack reports.ClosingPack, session close.Session) ([]close.ArchivedFile, error) {
	if w.dir == "" {
		return nil, fmt.Errorf("archive: directory not configured")
	}
	code := safeName(pack.FiscalYear.Code)
	if code == "" {
		code = safeName(pack.FiscalYear.ID)
	}
	target := filepath.Join(w.dir, code)
	if err := os.MkdirAll(target, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}

	xlsx, err := BuildWorkbook(pack, session)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf, err := BuildSummaryPDF(pack, session)
	if err != nil {
		return nil, err
	}

	var files []close.ArchivedFile
	for _, item := range []struct {
		name string
		data []byte
	}{
		{fmt.Sprintf("cloture-%s.xlsx", code), xlsx},
		{fmt.Sprintf("cloture-%s.pdf", code), pdf},
	} {
		file, err := writeFile(target, item.name, item.data)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	w.logger.Info("closing archive written", slog.String("fiscal_year", pack.FiscalYear.ID), slog.String("dir", target), slog.Int("files", len(files)))
	return files, nil
}

func writeFile(dir, name string, data []byte) (close.ArchivedFile, error) {
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return close.ArchivedFile{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return close.ArchivedFile{}, fmt.Errorf("archive: rename %s: %w", name, err)
	}
	return close.ArchivedFile{Name: name, Path: path, SHA256: Checksum(data), Size: int64(len(data))}, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(s))
}

// BuildWorkbook renders balances, entries and steps as three sheets.
func BuildWorkbook(pack reports.ClosingPack, session close.Session) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetBalance); err != nil {
		return nil, fmt.Errorf("archive: workbook: %w", err)
	}
	if _, err := f.NewSheet(sheetEntries); err != nil {
		return nil, fmt.Errorf("archive: workbook: %w", err)
	}
	if _, err := f.NewSheet(sheetSteps); err != nil {
		return nil, fmt.Errorf("archive: workbook: %w", err)
	}

	// Amounts are written as fixed two-decimal strings.
	rows := [][]any{{"Compte", "Intitulé", "Débit", "Crédit", "Solde débiteur", "Solde créditeur"}}
	for _, grp := range pack.TrialBalance.Groups {
		for _, acc := range grp.Accounts {
			rows = append(rows, []any{acc.Code, acc.Name, acc.Debit.String(), acc.Credit.String(), acc.SoldeDebiteur.String(), acc.SoldeCrediteur.String()})
		}
		rows = append(rows, []any{"", grp.Key, grp.Debit.String(), grp.Credit.String(), grp.SoldeDebiteur.String(), grp.SoldeCrediteur.String()})
	}
	tb := pack.TrialBalance
	rows = append(rows, []any{"", "Total", tb.TotalDebit.String(), tb.TotalCredit.String(), tb.TotalSoldeDebiteur.String(), tb.TotalSoldeCrediteur.String()})
	if err := writeRows(f, sheetBalance, rows); err != nil {
		return nil, err
	}

	rows = [][]any{{"N°", "Journal", "Date", "Référence", "Libellé", "Statut", "Compte", "Débit", "Crédit", "Empreinte"}}
	for _, e := range pack.Entries {
		for _, line := range e.Lines {
			rows = append(rows, []any{e.Number, e.Journal, e.Date.Format("2006-01-02"), e.Reference, e.Label, string(e.Status), line.AccountCode, line.Debit.String(), line.Credit.String(), e.Hash})
		}
	}
	if err := writeRows(f, sheetEntries, rows); err != nil {
		return nil, err
	}

	rows = [][]any{{"Étape", "Statut", "Message", "Horodatage", "Tentatives"}}
	for _, st := range session.Steps {
		ts := ""
		if st.Timestamp != nil {
			ts = st.Timestamp.Format(time.RFC3339)
		}
		rows = append(rows, []any{st.Label, string(st.Status), st.Message, ts, st.Attempts})
	}
	if err := writeRows(f, sheetSteps, rows); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("archive: workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("archive: sheet %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// BuildSummaryPDF renders a one-page summary of the closing.
func BuildSummaryPDF(pack reports.ClosingPack, session close.Session) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, tr(fmt.Sprintf("Clôture de l'exercice %s", pack.FiscalYear.Code)))
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Période: %s au %s", pack.FiscalYear.StartDate.Format("02/01/2006"), pack.FiscalYear.EndDate.Format("02/01/2006")),
		fmt.Sprintf("Session: %s (%s)", session.ID, session.Mode),
		fmt.Sprintf("Généré le: %s", pack.GeneratedAt.Format(time.RFC3339)),
		fmt.Sprintf("Écritures: %d", len(pack.Entries)),
	} {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, tr("Synthèse"))
	pdf.Ln(7)
	pdf.SetFont("Arial", "", 10)
	for _, kv := range [][2]string{
		{"Total débit", amount(pack.TrialBalance.TotalDebit)},
		{"Total crédit", amount(pack.TrialBalance.TotalCredit)},
		{"Produits", amount(pack.ProfitAndLoss.Produits.Total)},
		{"Charges", amount(pack.ProfitAndLoss.Charges.Total)},
		{"Résultat net", amount(pack.ProfitAndLoss.NetIncome)},
		{"Total actif", amount(pack.BalanceSheet.Actif.Total)},
		{"Total passif", amount(pack.BalanceSheet.Passif.Total)},
	} {
		pdf.CellFormat(60, 6, tr(kv[0]), "1", 0, "L", false, 0, "")
		pdf.CellFormat(60, 6, kv[1], "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, tr("Étape"), "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Statut", "1", 0, "C", false, 0, "")
	pdf.CellFormat(95, 6, "Message", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, st := range session.Steps {
		msg := st.Message
		if r := []rune(msg); len(r) > 70 {
			msg = string(r[:70]) + "..."
		}
		pdf.CellFormat(60, 6, tr(st.Label), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, string(st.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(95, 6, tr(msg), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("archive: pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// amount formats without locale separators for the core PDF fonts.
func amount(a money.Amount) string {
	return a.String() + " FCFA"
}
