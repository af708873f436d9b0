package google

import (
	"encoding/json"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Wire shapes of the Document AI process response, reduced to the fields the
// canonical result needs. Document AI serializes int64 indices as JSON
// strings, hence json.Number.
type (
	processResponse struct {
		Document document `json:"document"`
	}

	document struct {
		Text  string `json:"text"`
		Pages []page `json:"pages"`
	}

	page struct {
		PageNumber        int            `json:"pageNumber"`
		Tokens            []token        `json:"tokens"`
		Tables            []table        `json:"tables"`
		FormFields        []formField    `json:"formFields"`
		DetectedLanguages []pageLanguage `json:"detectedLanguages"`
	}

	token struct {
		Layout layout `json:"layout"`
	}

	layout struct {
		TextAnchor textAnchor `json:"textAnchor"`
		Confidence float64    `json:"confidence"`
	}

	textAnchor struct {
		TextSegments []textSegment `json:"textSegments"`
	}

	textSegment struct {
		StartIndex json.Number `json:"startIndex"`
		EndIndex   json.Number `json:"endIndex"`
	}

	table struct {
		HeaderRows []tableRow `json:"headerRows"`
		BodyRows   []tableRow `json:"bodyRows"`
	}

	tableRow struct {
		Cells []tableCell `json:"cells"`
	}

	tableCell struct {
		Layout layout `json:"layout"`
	}

	formField struct {
		FieldName  layout `json:"fieldName"`
		FieldValue layout `json:"fieldValue"`
	}

	pageLanguage struct {
		LanguageCode string  `json:"languageCode"`
		Confidence   float64 `json:"confidence"`
	}
)

// translate converts the provider document into the canonical result.
func translate(doc *document) *ocr.Result {
	res := &ocr.Result{
		EngineKind: ocr.EngineGoogle,
		Text:       doc.Text,
		PageCount:  len(doc.Pages),
	}

	var confSum float64
	var tokens int
	bestLangConf := 0.0
	for _, p := range doc.Pages {
		for _, tk := range p.Tokens {
			confSum += ocr.NormalizeConfidence(tk.Layout.Confidence)
			tokens++
		}
		for _, t := range p.Tables {
			res.Tables = append(res.Tables, translateTable(doc.Text, t))
		}
		for _, f := range p.FormFields {
			res.KeyValuePairs = append(res.KeyValuePairs, ocr.KeyValuePair{
				Key:             anchorText(doc.Text, f.FieldName.TextAnchor),
				Value:           anchorText(doc.Text, f.FieldValue.TextAnchor),
				KeyConfidence:   ocr.NormalizeConfidence(f.FieldName.Confidence),
				ValueConfidence: ocr.NormalizeConfidence(f.FieldValue.Confidence),
			})
		}
		for _, l := range p.DetectedLanguages {
			if l.Confidence >= bestLangConf {
				bestLangConf, res.LanguageDetected = l.Confidence, l.LanguageCode
			}
		}
	}
	res.TableCount = len(res.Tables)

	res.WordCount = tokens
	if tokens > 0 {
		res.Confidence = confSum / float64(tokens)
	} else {
		res.WordCount = ocr.CountWords(doc.Text)
	}
	return res
}

func translateTable(text string, t table) ocr.Table {
	out := ocr.Table{RowCount: len(t.HeaderRows) + len(t.BodyRows)}
	row := 0
	appendRows := func(rows []tableRow) {
		for _, r := range rows {
			if len(r.Cells) > out.ColumnCount {
				out.ColumnCount = len(r.Cells)
			}
			for col, c := range r.Cells {
				out.Cells = append(out.Cells, ocr.TableCell{
					Row:        row,
					Column:     col,
					Text:       anchorText(text, c.Layout.TextAnchor),
					Confidence: ocr.NormalizeConfidence(c.Layout.Confidence),
				})
			}
			row++
		}
	}
	appendRows(t.HeaderRows)
	appendRows(t.BodyRows)
	return out
}

// anchorText resolves a text anchor against the document text. Malformed
// segments are skipped rather than failing the whole translation.
func anchorText(text string, anchor textAnchor) string {
	var out string
	for _, seg := range anchor.TextSegments {
		start, err := seg.StartIndex.Int64()
		if err != nil && seg.StartIndex != "" {
			continue
		}
		end, err := seg.EndIndex.Int64()
		if err != nil {
			continue
		}
		if start < 0 || end > int64(len(text)) || start > end {
			continue
		}
		out += text[start:end]
	}
	return out
}
