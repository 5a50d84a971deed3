package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"label-rag/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractSections(t *testing.T) {
	text := "HIGHLIGHTS\n1 INDICATIONS AND USAGE\nRINVOQ is indicated...\n  2.1 Recommended Dosage\ntext\n5 WARNINGS AND PRECAUTIONS\n15 mg tablets"
	assert.Equal(t, []string{
		"1 INDICATIONS AND USAGE",
		"2.1 Recommended Dosage",
		"5 WARNINGS AND PRECAUTIONS",
	}, ExtractSections(text))
	assert.Empty(t, ExtractSections("no headings here"))
}

func TestNewPageCleansAndFlags(t *testing.T) {
	raw := "2 DOSAGE AND ADMINISTRATION\n\n\n\n\nDose\t15\tmg" + strings.Repeat("\t", 10)
	p := NewPage(4, raw, "label.pdf")

	assert.Equal(t, 4, p.PageNumber)
	assert.Equal(t, "label.pdf", p.DocumentName)
	assert.NotContains(t, p.Text, "\n\n\n")
	assert.Equal(t, []string{"2 DOSAGE AND ADMINISTRATION"}, p.SectionLabels)
	assert.True(t, p.HasTable)

	assert.False(t, NewPage(1, "a\tb\tc", "x").HasTable)
}

func TestExtractUnsupported(t *testing.T) {
	_, err := Extract(writeFile(t, "notes.rtf", "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.False(t, Supported("a.rtf"))
	assert.True(t, Supported("A.PDF"))
}

func TestExtractText(t *testing.T) {
	path := writeFile(t, "label.txt", "1 INDICATIONS AND USAGE\r\nFirst page.\fSecond page text.")
	pages, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].PageNumber)
	assert.Equal(t, "label.txt", pages[0].DocumentName)
	assert.Equal(t, []string{"1 INDICATIONS AND USAGE"}, pages[0].SectionLabels)
	assert.Equal(t, 2, pages[1].PageNumber)
	assert.Equal(t, "Second page text.", pages[1].Text)
}

func TestExtractMarkdownHeadings(t *testing.T) {
	md := "# Dosing Guide\n\nTake with water.\n\n## Storage\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"
	pages, err := Extract(writeFile(t, "guide.md", md))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"Dosing Guide", "Storage"}, pages[0].SectionLabels)
	assert.True(t, pages[0].HasTable)
	assert.Equal(t, md, pages[0].Text)
}

func TestExtractXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dosing.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Dosing")
	require.NoError(t, err)
	for _, vals := range [][]string{{"Indication", "Dose"}, {"RA", "15 mg"}} {
		row := sheet.AddRow()
		for _, v := range vals {
			row.AddCell().Value = v
		}
	}
	require.NoError(t, f.Save(path))

	pages, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.True(t, pages[0].HasTable)
	assert.Contains(t, pages[0].Text, "Sheet: Dosing")
	assert.Contains(t, pages[0].Text, "RA\t15 mg")
}

func TestExtractXLSM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dosing.xlsm")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Population"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Dose"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Adults"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "30 mg"))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	pages, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.True(t, pages[0].HasTable)
	assert.Contains(t, pages[0].Text, "Adults\t30 mg")
}

func TestDocxPages(t *testing.T) {
	content := `<w:body><w:p><w:r><w:t>1 INDICATIONS AND USAGE</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t xml:space="preserve">Use in adults </w:t></w:r><w:r><w:t>&amp; teens.</w:t></w:r></w:p>` +
		`<w:p><w:r><w:br w:type="page"/></w:r></w:p>` +
		`<w:p><w:r><w:t>Second page.</w:t></w:r></w:p></w:body>`
	pages := docxPages(content, "label.docx")
	require.Len(t, pages, 2)
	assert.Equal(t, "1 INDICATIONS AND USAGE\n\nUse in adults & teens.", pages[0].Text)
	assert.Equal(t, []string{"1 INDICATIONS AND USAGE"}, pages[0].SectionLabels)
	assert.Equal(t, "Second page.", pages[1].Text)
	assert.Equal(t, 2, pages[1].PageNumber)
}

func TestExtractMissingFile(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "absent.pdf"))
	require.Error(t, err)
}
