package scope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/tiff"
)

// ReportPage is one capture in a report.
type ReportPage struct {
	Title string
	Taken time.Time
	Mode  CaptureMode
	Image []byte // PNG
}

const (
	reportMargin = 10.0 // mm
	headerHeight = 8.0  // mm
)

// WritePDF writes a report built by GeneratePDF to outputPath.
func WritePDF(title string, pages []ReportPage, stats []StatisticsRecord, outputPath string) error {
	data, err := GeneratePDF(title, pages, stats)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

// GeneratePDF renders one page per capture, each sized to the image at its
// embedded resolution (screenDPI when absent), followed by a statistics
// table when stats is non-empty.
func GeneratePDF(title string, pages []ReportPage, stats []StatisticsRecord) ([]byte, error) {
	if len(pages) == 0 && len(stats) == 0 {
		return nil, fmt.Errorf("nothing to report")
	}

	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetAutoPageBreak(false, 0)

	for i, p := range pages {
		cfg, err := png.DecodeConfig(bytes.NewReader(p.Image))
		if err != nil {
			return nil, fmt.Errorf("decode capture %d image config: %w", i+1, err)
		}
		dpi := screenDPI
		if d := detectPNGDPI(p.Image); d > 0 {
			dpi = d
		}
		widthMM := float64(cfg.Width) / float64(dpi) * 25.4
		heightMM := float64(cfg.Height) / float64(dpi) * 25.4

		pdf.AddPageFormat("L", fpdf.SizeType{
			Wd: widthMM + 2*reportMargin,
			Ht: heightMM + 2*reportMargin + headerHeight,
		})
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetXY(reportMargin, reportMargin/2)
		pdf.CellFormat(widthMM, headerHeight, pageHeading(title, p), "", 0, "L", false, 0, "")

		name := fmt.Sprintf("capture%d", i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(p.Image))
		pdf.ImageOptions(name, reportMargin, reportMargin+headerHeight, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	}

	if len(stats) > 0 {
		statisticsPage(pdf, title, stats)
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}

func pageHeading(title string, p ReportPage) string {
	h := title
	if p.Title != "" {
		h += " - " + p.Title
	}
	if !p.Taken.IsZero() {
		h += "  " + p.Taken.Format("2006-01-02 15:04:05")
	}
	if p.Mode != ModeNormal {
		h += "  (" + p.Mode.String() + ")"
	}
	return h
}

var statColumns = []struct {
	name  string
	width float64
}{
	{"Measurement", 60},
	{"Current", 32},
	{"Min", 32},
	{"Max", 32},
	{"Mean", 32},
	{"Std Dev", 32},
	{"Count", 24},
}

func statisticsPage(pdf *fpdf.Fpdf, title string, stats []StatisticsRecord) {
	pdf.AddPageFormat("L", fpdf.SizeType{Wd: 297, Ht: 210})
	pdf.SetXY(reportMargin, reportMargin)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, headerHeight, title+" - measurement statistics", "", 1, "L", false, 0, "")

	pdf.SetX(reportMargin)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(220, 220, 220)
	for _, c := range statColumns {
		pdf.CellFormat(c.width, 7, c.name, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, r := range stats {
		// Continue on a fresh page once the table reaches the bottom margin.
		if pdf.GetY() > 210-2*reportMargin {
			pdf.AddPageFormat("L", fpdf.SizeType{Wd: 297, Ht: 210})
			pdf.SetY(reportMargin)
		}
		pdf.SetX(reportMargin)
		cells := []string{
			r.Label,
			formatValue(r.Current),
			formatValue(r.Min),
			formatValue(r.Max),
			formatValue(r.Mean),
			formatValue(r.StdDev),
			strconv.Itoa(r.Count),
		}
		for i, c := range cells {
			align := "R"
			if i == 0 {
				align = "L"
			}
			pdf.CellFormat(statColumns[i].width, 6, c, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'G', 6, 64)
}

// EncodeTIFF converts a PNG capture to a Deflate-compressed TIFF. Ink-saver
// captures are reduced to a 1-bit black and white palette.
func EncodeTIFF(pngData []byte, bitonal bool) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decode PNG: %w", err)
	}
	if bitonal {
		img = toBitonal(img)
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return nil, fmt.Errorf("encode TIFF: %w", err)
	}
	return buf.Bytes(), nil
}

// detectPNGDPI reads the X density from the pHYs chunk. Returns 0 when the
// chunk is absent or not in meters.
func detectPNGDPI(data []byte) int {
	const sigLen = 8
	if len(data) < sigLen || !bytes.HasPrefix(data, pngSignature) {
		return 0
	}
	i := sigLen
	for i+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		body := i + 8
		if n < 0 || body+n > len(data) {
			return 0
		}
		switch typ {
		case "pHYs":
			if n < 9 || data[body+8] != 1 { // unit 1 = meter
				return 0
			}
			ppm := binary.BigEndian.Uint32(data[body : body+4])
			return int(float64(ppm)*0.0254 + 0.5)
		case "IDAT", "IEND":
			return 0
		}
		i = body + n + 4 // skip CRC
	}
	return 0
}

// toBitonal converts an image to a 1-bit paletted image.
func toBitonal(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	dst := image.NewPaletted(bounds, color.Palette{color.White, color.Black})
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y < 128 {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}
