package extract

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// readDOCXPages walks word/document.xml. Explicit page breaks split pages;
// a document without them is a single page.
func readDOCXPages(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("%s not found", docxBody)
	}

	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()
	return parseDocumentXML(rc)
}

func parseDocumentXML(r io.Reader) ([]string, error) {
	var (
		pages  []string
		page   strings.Builder
		para   strings.Builder
		inText bool
	)
	// Paragraphs are separated by a blank line so the splitter ends a
	// sentence at every paragraph, including unpunctuated headings.
	flushPara := func() {
		if para.Len() > 0 {
			page.WriteString(para.String())
			page.WriteString("\n\n")
			para.Reset()
		}
	}
	breakPage := func() {
		flushPara()
		pages = append(pages, page.String())
		page.Reset()
	}

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", docxBody, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "cr":
				para.WriteByte('\n')
			case "br":
				if attr(t, "type") == "page" {
					breakPage()
				} else {
					para.WriteByte('\n')
				}
			case "pageBreakBefore":
				if v := attr(t, "val"); v != "0" && v != "false" && page.Len() > 0 {
					pages = append(pages, page.String())
					page.Reset()
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flushPara()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	breakPage()
	return pages, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
