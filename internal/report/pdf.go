package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/witcacy/CANUDS-DTC-Report/internal/pipeline"
	"github.com/witcacy/CANUDS-DTC-Report/internal/uds"
)

const (
	pdfQRName       = "digest-qr"
	pdfQRSize       = 28.0
	maxPayloadBytes = 48
)

// PDFOptions tunes the rendered document. The zero value renders in
// English without a note.
type PDFOptions struct {
	Translator Translator
	// Note is printed under the summary when set.
	Note string
}

// SavePDF renders res into a PDF document at out.
func SavePDF(res *pipeline.Result, out string, opts PDFOptions) error {
	doc, err := buildPDF(res, opts)
	if err != nil {
		return err
	}
	return doc.OutputFileAndClose(out)
}

// WritePDF renders res into w.
func WritePDF(w io.Writer, res *pipeline.Result, opts PDFOptions) error {
	doc, err := buildPDF(res, opts)
	if err != nil {
		return err
	}
	return doc.Output(w)
}

type pdfWriter struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
	t   Translator
}

func buildPDF(res *pipeline.Result, opts PDFOptions) (*gofpdf.Fpdf, error) {
	t := opts.Translator
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(t.T("report.title"), true)
	pdf.SetAuthor("udsctl", false)
	pdf.SetCreator("udsctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	w := &pdfWriter{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), t: t}
	w.addQR(res.Digest)
	w.addTitle(t.T("report.title"))
	w.addSummarySection(res, opts.Note)
	w.addECUSection(res.ECUs)
	w.addDTCSection(res.DTCs)
	w.addGroupSection(res.Groups)
	w.addMessageSection(res.Messages)
	w.addAnalysisSection(res.Analysis)

	if pdf.Err() {
		return nil, pdf.Error()
	}
	return pdf, nil
}

func (w *pdfWriter) addQR(digest string) {
	png, err := DigestToQR(digest, 0)
	if err != nil {
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	w.pdf.RegisterImageOptionsReader(pdfQRName, opts, bytes.NewReader(png))
	pageW, _ := w.pdf.GetPageSize()
	_, _, right, _ := w.pdf.GetMargins()
	w.pdf.ImageOptions(pdfQRName, pageW-right-pdfQRSize, 10, pdfQRSize, pdfQRSize, false, opts, 0, "")
}

func (w *pdfWriter) addTitle(title string) {
	w.pdf.SetFont("Helvetica", "B", 18)
	w.pdf.Cell(0, 10, w.tr(title))
	w.pdf.Ln(12)
}

func (w *pdfWriter) addHeading(key string) {
	w.pdf.SetFont("Helvetica", "B", 12)
	w.pdf.Cell(0, 8, w.tr(w.t.T(key)))
	w.pdf.Ln(9)
}

func (w *pdfWriter) addParagraph(text string) {
	w.pdf.SetFont("Helvetica", "", 11)
	w.pdf.MultiCell(0, 6, w.tr(text), "", "L", false)
	w.pdf.Ln(2)
}

type summaryItem struct {
	label string
	value string
}

func (w *pdfWriter) addSummarySection(res *pipeline.Result, note string) {
	items := []summaryItem{
		{label: "report.source", value: emptyFallback(res.Source, "-")},
		{label: "report.digest", value: emptyFallback(res.Digest, "-")},
		{label: "report.generated", value: res.GeneratedAt.Format(time.RFC3339)},
		{label: "report.frames", value: strconv.Itoa(res.Frames)},
		{label: "report.skipped", value: strconv.Itoa(res.Skipped)},
	}
	if strings.TrimSpace(note) != "" {
		items = append(items, summaryItem{label: "report.note", value: note})
	}
	w.pdf.SetFont("Helvetica", "", 9)
	for _, item := range items {
		w.pdf.CellFormat(35, 5, w.tr(w.t.T(item.label)), "", 0, "L", false, 0, "")
		w.pdf.MultiCell(110, 5, w.tr(item.value), "", "L", false)
	}
	w.pdf.Ln(6)
}

func (w *pdfWriter) tableHeader(keys []string, widths []float64) {
	w.pdf.SetFillColor(240, 240, 240)
	w.pdf.SetFont("Helvetica", "B", 9)
	for i, k := range keys {
		w.pdf.CellFormat(widths[i], 7, w.tr(w.t.T(k)), "1", 0, "L", true, 0, "")
	}
	w.pdf.Ln(-1)
	w.pdf.SetFont("Helvetica", "", 8)
}

func (w *pdfWriter) addECUSection(ecus []uds.EcuInfo) {
	w.addHeading("ecu.title")
	if len(ecus) == 0 {
		w.addParagraph(w.t.T("ecu.empty"))
		return
	}
	widths := []float64{20, 50, 35, 75}
	w.tableHeader([]string{"col.canid", "col.service", "col.identifier", "col.value"}, widths)
	for _, e := range ecus {
		ident := e.Identifier
		if e.IdentifierName != "" {
			ident += " " + e.IdentifierName
		}
		w.renderTableRow(widths, []string{canID(e.CanID), e.Service, ident, e.Value}, 4.5)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) addDTCSection(dtcs []uds.DtcInfo) {
	w.addHeading("dtc.title")
	if len(dtcs) == 0 {
		w.addParagraph(w.t.T("dtc.empty"))
		return
	}
	widths := []float64{18, 15, 20, 40, 22, 15, 18, 32}
	w.tableHeader([]string{"col.dtc", "col.lcode", "col.protocol", "col.description", "col.status", "col.canid", "col.subfunction", "col.fragment"}, widths)
	for _, d := range dtcs {
		w.renderTableRow(widths, []string{
			d.Code,
			d.LCode,
			d.ObdProtocol,
			d.Description,
			d.Status,
			canID(d.CanID),
			fmt.Sprintf("0x%02X", d.SubFunction),
			d.ColoredFragment,
		}, 4.5)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) addGroupSection(groups []uds.ECUGroup) {
	if len(groups) == 0 {
		return
	}
	w.addHeading("dtc.byecu")
	widths := []float64{30, 150}
	for _, g := range groups {
		title := w.t.Format("dtc.ecu", g.CanID, g.Name)
		if g.Type != "" {
			title += " - " + g.Type
		}
		w.pdf.SetFont("Helvetica", "B", 10)
		w.pdf.MultiCell(0, 6, w.tr(title), "", "L", false)
		w.tableHeader([]string{"col.dtc", "col.description"}, widths)
		for _, d := range g.DTCs {
			w.renderTableRow(widths, []string{d.Code, d.Description}, 4.5)
		}
		w.pdf.Ln(3)
	}
}

func (w *pdfWriter) addMessageSection(msgs []uds.MessageInfo) {
	w.addHeading("messages.title")
	if len(msgs) == 0 {
		w.addParagraph(w.t.T("messages.empty"))
		return
	}
	widths := []float64{10, 18, 20, 50, 82}
	w.tableHeader([]string{"col.number", "col.canid", "col.kind", "col.service", "col.payload"}, widths)
	for _, m := range msgs {
		kind := m.Role()
		if nrc := m.NegativeResponseCode; nrc != nil {
			kind = fmt.Sprintf("NRC 0x%02X", *nrc)
		}
		w.renderTableRow(widths, []string{
			strconv.Itoa(m.Number),
			canID(m.CanID),
			kind,
			m.ServiceName,
			payloadHex(m.Payload),
		}, 4.5)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) addAnalysisSection(text string) {
	w.addHeading("analysis.title")
	w.addParagraph(emptyFallback(text, "-"))
}

func (w *pdfWriter) renderTableRow(widths []float64, values []string, lineHeight float64) {
	xStart := w.pdf.GetX()
	yStart := w.pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := w.tr(emptyFallback(val, "-"))
		var lines []string
		for _, part := range strings.Split(text, "\n") {
			lines = append(lines, w.pdf.SplitText(part, widths[i]-2)...)
		}
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	_, pageH := w.pdf.GetPageSize()
	_, _, _, bottom := w.pdf.GetMargins()
	if yStart+rowHeight > pageH-bottom {
		w.pdf.AddPage()
		xStart, yStart = w.pdf.GetX(), w.pdf.GetY()
	}
	x := xStart
	for i, lines := range splitCols {
		w.pdf.SetXY(x, yStart)
		w.pdf.Rect(x, yStart, widths[i], rowHeight, "D")
		w.pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "", "L", false)
		x += widths[i]
	}
	w.pdf.SetXY(xStart, yStart+rowHeight)
}

func canID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}

func payloadHex(p []byte) string {
	if len(p) > maxPayloadBytes {
		return fmt.Sprintf("% X ...", p[:maxPayloadBytes])
	}
	return fmt.Sprintf("% X", p)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
