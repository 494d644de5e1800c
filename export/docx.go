package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
)

const (
	// DOCXContentType is the MIME type of a Word document.
	DOCXContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// KOPTitle heads every exported KOP.
	KOPTitle = "Key Operating Procedure (KOP)"
)

// Paragraph styles of the default Word template.
const (
	styleSubtitle = "Subtitle"
	styleQuote    = "Quote"
	styleCode     = "No Spacing"
	styleBullet   = "List Bullet"
	styleNumber   = "List Number"
)

// Document is the input of DOCX rendering.
type Document struct {
	Title    string
	Subtitle string
	Markdown string
}

// KOPFilename is the attachment name for an upload's KOP.
func KOPFilename(uploadID int64) string {
	return fmt.Sprintf("kop_upload_%d.docx", uploadID)
}

// DOCX renders a Markdown document as a Word file. The title uses the
// Title style, Markdown headings map to Heading 1-6 and list items to the
// List Bullet and List Number styles.
func DOCX(d Document) ([]byte, error) {
	if d.Title == "" {
		d.Title = KOPTitle
	}

	doc, err := godocx.NewDocument()
	if err != nil {
		return nil, fmt.Errorf("creating docx: %w", err)
	}
	if _, err := doc.AddHeading(d.Title, 0); err != nil {
		return nil, fmt.Errorf("adding title: %w", err)
	}
	if d.Subtitle != "" {
		doc.AddParagraph(d.Subtitle).Style(styleSubtitle)
	}

	for _, b := range layout(d.Markdown) {
		switch b.kind {
		case blockHeading:
			p, err := doc.AddHeading("", uint(b.level))
			if err != nil {
				return nil, fmt.Errorf("adding heading: %w", err)
			}
			addRuns(p, b.runs)
		case blockTable:
			tbl := doc.AddTable()
			for _, row := range b.rows {
				r := tbl.AddRow()
				for _, cell := range row {
					addRuns(r.AddCell().AddParagraph(""), cell)
				}
			}
		default:
			p := doc.AddParagraph("")
			if b.style != "" {
				p.Style(b.style)
			}
			addRuns(p, b.runs)
		}
	}

	var buf bytes.Buffer
	if err := doc.Write(&buf); err != nil {
		return nil, fmt.Errorf("writing docx: %w", err)
	}
	return buf.Bytes(), nil
}

func addRuns(p *docx.Paragraph, runs []span) {
	for _, s := range runs {
		r := p.AddText(s.text)
		if s.bold {
			r.Bold(true)
		}
		if s.italic || s.code {
			r.Italic(true)
		}
	}
}

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockTable
)

// block is one Word paragraph or table laid out from Markdown.
type block struct {
	kind  blockKind
	style string
	level int
	runs  []span
	rows  [][][]span
}

// span is a run of text sharing one format.
type span struct {
	text   string
	bold   bool
	italic bool
	code   bool
}

// text joins the block's runs.
func (b block) text() string {
	var sb strings.Builder
	for _, s := range b.runs {
		sb.WriteString(s.text)
	}
	return sb.String()
}

// layout walks the Markdown AST into blocks.
func layout(md string) []block {
	w := &layoutWriter{}
	if strings.TrimSpace(md) == "" {
		return nil
	}
	ast.WalkFunc(newParser().Parse([]byte(md)), w.visit)
	w.flush()
	return w.blocks
}

type listFrame struct {
	ordered   bool
	firstPara bool
}

type layoutWriter struct {
	blocks []block
	cur    *block

	bold   int
	italic int
	quote  int

	lists []listFrame

	table [][][]span
	row   [][]span
	cell  []span
	inTbl bool
}

func (w *layoutWriter) visit(node ast.Node, entering bool) ast.WalkStatus {
	switch n := node.(type) {
	case *ast.Heading:
		if entering {
			level := min(max(n.Level, 1), 6)
			w.open(block{kind: blockHeading, level: level})
		} else {
			w.flush()
		}

	case *ast.Paragraph:
		if w.inTbl {
			return ast.GoToNext
		}
		if entering {
			w.open(block{style: w.paragraphStyle()})
		} else {
			w.flush()
		}

	case *ast.BlockQuote:
		if entering {
			w.quote++
		} else {
			w.quote--
		}

	case *ast.List:
		w.flush()
		if entering {
			w.lists = append(w.lists, listFrame{ordered: n.ListFlags&ast.ListTypeOrdered != 0})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
		}

	case *ast.ListItem:
		w.flush()
		if entering && len(w.lists) > 0 {
			w.lists[len(w.lists)-1].firstPara = true
		}

	case *ast.CodeBlock:
		w.flush()
		for _, line := range strings.Split(strings.TrimRight(string(n.Literal), "\n"), "\n") {
			w.blocks = append(w.blocks, block{style: styleCode, runs: []span{{text: line, code: true}}})
		}

	case *ast.HorizontalRule:
		w.flush()
		w.blocks = append(w.blocks, block{})

	case *ast.Table:
		w.flush()
		if entering {
			w.inTbl, w.table = true, nil
		} else {
			w.inTbl = false
			w.blocks = append(w.blocks, block{kind: blockTable, rows: w.table})
		}

	case *ast.TableRow:
		if entering {
			w.row = nil
		} else {
			w.table = append(w.table, w.row)
		}

	case *ast.TableCell:
		if entering {
			w.cell = nil
			if n.IsHeader {
				w.bold++
			}
		} else {
			if n.IsHeader {
				w.bold--
			}
			w.row = append(w.row, w.cell)
		}

	case *ast.Strong:
		w.bold += delta(entering)

	case *ast.Emph:
		w.italic += delta(entering)

	case *ast.Text:
		w.add(string(n.Literal), false)

	case *ast.Code:
		w.add(string(n.Literal), true)

	case *ast.Softbreak:
		w.add(" ", false)

	case *ast.Hardbreak:
		// Continue on a new paragraph of the same style, without repeating
		// a bullet or number.
		if w.cur != nil {
			next := block{kind: w.cur.kind, style: w.cur.style, level: w.cur.level}
			if strings.HasPrefix(next.style, "List ") {
				next.style = ""
			}
			w.flush()
			w.open(next)
		}

	case *ast.HTMLBlock, *ast.HTMLSpan:
		return ast.SkipChildren
	}
	return ast.GoToNext
}

func delta(entering bool) int {
	if entering {
		return 1
	}
	return -1
}

// paragraphStyle is the style of a new body paragraph. Only the first
// paragraph of a list item carries the bullet or number.
func (w *layoutWriter) paragraphStyle() string {
	if len(w.lists) > 0 {
		top := &w.lists[len(w.lists)-1]
		if !top.firstPara {
			return ""
		}
		top.firstPara = false
		style := styleBullet
		if top.ordered {
			style = styleNumber
		}
		// The template defines levels 1-3.
		if depth := min(len(w.lists), 3); depth > 1 {
			style = fmt.Sprintf("%s %d", style, depth)
		}
		return style
	}
	if w.quote > 0 {
		return styleQuote
	}
	return ""
}

func (w *layoutWriter) open(b block) {
	w.flush()
	w.cur = &b
}

func (w *layoutWriter) flush() {
	if w.cur != nil {
		w.blocks = append(w.blocks, *w.cur)
		w.cur = nil
	}
}

func (w *layoutWriter) add(text string, code bool) {
	if text == "" {
		return
	}
	s := span{text: text, bold: w.bold > 0, italic: w.italic > 0, code: code}
	if w.inTbl {
		w.cell = append(w.cell, s)
		return
	}
	if w.cur == nil {
		w.open(block{style: w.paragraphStyle()})
	}
	w.cur.runs = append(w.cur.runs, s)
}
