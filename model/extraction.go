package model

// Extraction engines recorded in artifact metadata
const (
	EnginePDF  = "pdf"
	EngineDOCX = "docx"
	EngineOCR  = "ocr"
)

// PageSpan is a half-open byte span of one page inside the concatenated text
type PageSpan struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether [start,end) lies inside the page
func (p PageSpan) Contains(start, end int) bool {
	return start >= p.Start && end <= p.End && start <= end
}

// Sentence is one segmented sentence with offsets into the full text
type Sentence struct {
	Page  int    `json:"page"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// ExtractionMeta describes how text was produced
type ExtractionMeta struct {
	Engine    string `json:"engine"`
	PageCount int    `json:"page_count"`
	OCRPages  []int  `json:"ocr_pages,omitempty"`
	Source    string `json:"source"`
}

// ExtractionError is persisted in the artifact when extraction fails
type ExtractionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExtractionArtifact is the persisted output of the extraction stage
type ExtractionArtifact struct {
	TextPath  string           `json:"text_path"`
	PageMap   []PageSpan       `json:"page_map"`
	Sentences []Sentence       `json:"sentences"`
	Meta      ExtractionMeta   `json:"meta"`
	Checksum  string           `json:"checksum_sha256"`
	Error     *ExtractionError `json:"error,omitempty"`
}

// PageOf returns the page whose span contains [start,end), or 0
func (a *ExtractionArtifact) PageOf(start, end int) int {
	for _, p := range a.PageMap {
		if p.Contains(start, end) {
			return p.Page
		}
	}
	return 0
}

// SpanOf returns the span of page, and false when the page is unknown
func (a *ExtractionArtifact) SpanOf(page int) (PageSpan, bool) {
	for _, p := range a.PageMap {
		if p.Page == page {
			return p, true
		}
	}
	return PageSpan{}, false
}
