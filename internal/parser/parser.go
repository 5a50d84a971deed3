package parser

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"label-rag/internal/models"
)

// tableTabThreshold is the tab count above which a page is treated as tabular.
const tableTabThreshold = 10

var (
	sectionRe    = regexp.MustCompile(models.SectionRegex)
	blankLinesRe = regexp.MustCompile(models.BlankLinesRegex)

	docxPageBreakRe = regexp.MustCompile(`<w:br [^>]*w:type="page"[^>]*/>`)
	docxTextRe      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	pptxTextRe      = regexp.MustCompile(`<a:t>([^<]*)</a:t>`)
	pptxSlideRe     = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// SupportedExtensions lists the file types Extract understands.
var SupportedExtensions = []string{".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".md", ".txt"}

// Supported reports whether the extension of name can be extracted.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Extract reads the file at path into 1-indexed page units. The document
// name is the base file name.
func Extract(filePath string) ([]models.PageUnit, error) {
	name := filepath.Base(filePath)
	ext := strings.ToLower(filepath.Ext(filePath))

	var (
		pages []models.PageUnit
		err   error
	)
	switch ext {
	case ".pdf":
		pages, err = parsePDF(filePath, name)
	case ".docx":
		pages, err = parseDOCX(filePath, name)
	case ".pptx":
		pages, err = parsePPTX(filePath, name)
	case ".xlsx":
		pages, err = parseXLSX(filePath, name)
	case ".xlsm":
		pages, err = parseXLSM(filePath, name)
	case ".md":
		pages, err = parseMarkdown(filePath, name)
	case ".txt":
		pages, err = parseText(filePath, name)
	default:
		return nil, models.ValidationError("parser.Extract", fmt.Sprintf("unsupported file format: %q", ext))
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", name, err)
	}
	log.Debug().Str("document", name).Int("pages", len(pages)).Msg("Extracted pages")
	return pages, nil
}

// NewPage cleans text and derives section labels and the table flag.
func NewPage(number int, raw, documentName string) models.PageUnit {
	cleaned := blankLinesRe.ReplaceAllString(raw, "\n\n")
	return models.PageUnit{
		PageNumber:    number,
		Text:          cleaned,
		SectionLabels: ExtractSections(cleaned),
		HasTable:      strings.Count(raw, "\t") > tableTabThreshold,
		DocumentName:  documentName,
	}
}

// ExtractSections returns numbered headings such as "2.1 Recommended Dosage" in page order.
func ExtractSections(pageText string) []string {
	var sections []string
	for _, m := range sectionRe.FindAllStringSubmatch(pageText, -1) {
		// the title class spans whitespace, so keep only the heading line
		title, _, _ := strings.Cut(m[2], "\n")
		sections = append(sections, m[1]+" "+strings.TrimSpace(title))
	}
	return sections
}

func parsePDF(filePath, name string) ([]models.PageUnit, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages := make([]models.PageUnit, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, NewPage(i, "", name))
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, NewPage(i, pageText, name))
	}
	return pages, nil
}

func parseDOCX(filePath, name string) ([]models.PageUnit, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return docxPages(r.Editable().GetContent(), name), nil
}

// docxPages splits document XML on explicit page breaks and keeps one
// paragraph per line.
func docxPages(content, name string) []models.PageUnit {
	var pages []models.PageUnit
	for i, pageXML := range docxPageBreakRe.Split(content, -1) {
		var paragraphs []string
		for _, p := range strings.Split(pageXML, "</w:p>") {
			var b strings.Builder
			for _, m := range docxTextRe.FindAllStringSubmatch(p, -1) {
				b.WriteString(m[1])
			}
			if s := strings.TrimSpace(html.UnescapeString(b.String())); s != "" {
				paragraphs = append(paragraphs, s)
			}
		}
		pages = append(pages, NewPage(i+1, strings.Join(paragraphs, "\n\n"), name))
	}
	return pages
}

func parsePPTX(filePath, name string) ([]models.PageUnit, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type slide struct {
		num  int
		text string
	}
	var slides []slide
	for _, file := range f.File {
		m := pptxSlideRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		num, _ := strconv.Atoi(m[1])
		var parts []string
		for _, t := range pptxTextRe.FindAllStringSubmatch(string(data), -1) {
			parts = append(parts, html.UnescapeString(t[1]))
		}
		slides = append(slides, slide{num: num, text: strings.Join(parts, "\n")})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	pages := make([]models.PageUnit, len(slides))
	for i, s := range slides {
		pages[i] = NewPage(i+1, s.text, name)
	}
	return pages, nil
}

// Each worksheet becomes one page; a sheet with rows is always tabular.
func parseXLSX(filePath, name string) ([]models.PageUnit, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	pages := make([]models.PageUnit, 0, len(f.Sheets))
	for i, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		pages = append(pages, sheetPage(i+1, sheet.Name, rows, name))
	}
	return pages, nil
}

func parseXLSM(filePath, name string) ([]models.PageUnit, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []models.PageUnit
	for i, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		pages = append(pages, sheetPage(i+1, sheetName, rows, name))
	}
	return pages, nil
}

func sheetPage(number int, sheetName string, rows [][]string, name string) models.PageUnit {
	var text strings.Builder
	text.WriteString("Sheet: " + sheetName + "\n\n")
	nonEmpty := 0
	for _, row := range rows {
		line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
		if line == "" {
			continue
		}
		nonEmpty++
		text.WriteString(line + "\n")
	}
	page := NewPage(number, text.String(), name)
	page.HasTable = page.HasTable || nonEmpty > 0
	return page
}

// parseMarkdown keeps the source text and uses the heading outline as
// section labels when no numbered headings are present.
func parseMarkdown(filePath, name string) ([]models.PageUnit, error) {
	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(source))

	var headings []string
	hasTable := false
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			var b strings.Builder
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			if h := strings.TrimSpace(b.String()); h != "" {
				headings = append(headings, h)
			}
			return ast.WalkSkipChildren, nil
		case extast.KindTable:
			hasTable = true
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	page := NewPage(1, string(source), name)
	if len(page.SectionLabels) == 0 {
		page.SectionLabels = headings
	}
	page.HasTable = page.HasTable || hasTable
	return []models.PageUnit{page}, nil
}

// parseText treats form feeds as page breaks.
func parseText(filePath, name string) ([]models.PageUnit, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\f")
	pages := make([]models.PageUnit, len(raw))
	for i, p := range raw {
		pages[i] = NewPage(i+1, p, name)
	}
	return pages, nil
}
