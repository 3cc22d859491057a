package invoice

import (
	"bytes"
	"context"
	"fmt"

	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"

	"github.com/go-pdf/fpdf"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const documentContentType = "application/pdf"

var (
	colorHeader = [3]int{30, 58, 95}
	colorMuted  = [3]int{127, 140, 141}
	colorRowAlt = [3]int{241, 245, 249}
)

type Renderer interface {
	Render(inv *Invoice) ([]byte, error)
}

// DocumentStore is satisfied by pkg/minio.ObjectStore.
type DocumentStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
}

type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) Render(inv *Invoice) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()
	pdf.SetFillColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(20)
	pdf.SetFont("Arial", "B", 22)
	pdf.SetTextColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.CellFormat(0, 12, "INVOICE", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
	for _, line := range []string{
		"Number: " + inv.Number,
		"Issued: " + inv.IssueDate.Format("2006-01-02"),
		"Due: " + inv.DueDate.Format("2006-01-02"),
		"Status: " + string(inv.Status),
	} {
		pdf.CellFormat(0, 6, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(8)

	widths := []float64{100, 20, 25, 25}
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.SetTextColor(255, 255, 255)
	for i, h := range []string{"Description", "Qty", "Unit", "Amount"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(widths[i], 8, h, "", 0, align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(44, 62, 80)
	for i, item := range inv.LineItems {
		fill := i%2 == 1
		pdf.SetFillColor(colorRowAlt[0], colorRowAlt[1], colorRowAlt[2])
		pdf.CellFormat(widths[0], 7, item.Description, "", 0, "L", fill, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", item.Quantity), "", 0, "R", fill, 0, "")
		pdf.CellFormat(widths[2], 7, formatMinor(item.UnitAmount), "", 0, "R", fill, 0, "")
		pdf.CellFormat(widths[3], 7, formatMinor(item.Amount), "", 0, "R", fill, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(4)

	label := widths[0] + widths[1] + widths[2]
	totals := [][2]string{
		{"Subtotal", formatMinor(inv.Amount)},
		{fmt.Sprintf("Tax (%s%%)", formatMinor(inv.TaxRateBps)), formatMinor(inv.TaxAmount)},
		{"Total " + inv.Currency, formatMinor(inv.Total)},
	}
	for i, row := range totals {
		if i == len(totals)-1 {
			pdf.SetFont("Arial", "B", 11)
		}
		pdf.CellFormat(label, 7, row[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, row[1], "", 1, "R", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoice pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

// formatMinor prints minor units with two decimals.
func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// DocumentKey is the object key of the rendered invoice.
func DocumentKey(inv *Invoice) string {
	return fmt.Sprintf("invoices/%s/%s.pdf", inv.EstablishmentID, slug.Make(inv.Number))
}

// RenderDocument renders the invoice and uploads it. Already rendered
// invoices are skipped.
func (s *Service) RenderDocument(ctx context.Context, invoiceID string) error {
	if s.store == nil {
		return fmt.Errorf("invoice document store not configured")
	}

	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.DocumentKey != "" {
		return nil
	}

	body, err := s.renderer.Render(inv)
	if err != nil {
		return err
	}

	key := DocumentKey(inv)
	if err := s.store.Put(ctx, key, documentContentType, body); err != nil {
		return fmt.Errorf("upload invoice %s: %w", inv.Number, err)
	}

	if err := s.repo.Update(ctx, inv.ID, map[string]any{
		"document_key": key,
		"updated_at":   s.clock.Now().UTC(),
	}); err != nil {
		return err
	}

	logger.FromContext(ctx).Info("invoice document stored",
		zap.String("invoice_number", inv.Number),
		zap.String("key", key),
	)
	return nil
}

func (s *Service) HandleRenderTask(ctx context.Context, t *asynq.Task) error {
	var payload task.InvoiceRenderPayload
	if err := task.Decode(t, &payload); err != nil {
		return err
	}
	return s.RenderDocument(ctx, payload.InvoiceID)
}

// RegisterTasks binds the invoice task handlers on the worker mux.
func RegisterTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(task.TypeInvoiceRender, s.HandleRenderTask)
}
