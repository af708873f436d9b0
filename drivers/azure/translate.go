package azure

import "github.com/docuflow/ocrflow/orchestrator/ocr"

// Wire shapes of the Document Intelligence analyze operation, reduced to the
// fields the canonical result needs.
type (
	analyzeOperation struct {
		Status        string         `json:"status"`
		Error         *opError       `json:"error"`
		AnalyzeResult *analyzeResult `json:"analyzeResult"`
	}

	opError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	analyzeResult struct {
		Content   string      `json:"content"`
		Pages     []page      `json:"pages"`
		Tables    []table     `json:"tables"`
		KeyValues []keyValue  `json:"keyValuePairs"`
		Languages []language  `json:"languages"`
		Styles    []docStyle  `json:"styles"`
		Documents []doc       `json:"documents"`
		Paragraphs []struct{} `json:"paragraphs"`
	}

	page struct {
		PageNumber int    `json:"pageNumber"`
		Words      []word `json:"words"`
	}

	word struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	}

	table struct {
		RowCount    int         `json:"rowCount"`
		ColumnCount int         `json:"columnCount"`
		Cells       []tableCell `json:"cells"`
	}

	tableCell struct {
		RowIndex    int    `json:"rowIndex"`
		ColumnIndex int    `json:"columnIndex"`
		Content     string `json:"content"`
	}

	keyValue struct {
		Key        *kvContent `json:"key"`
		Value      *kvContent `json:"value"`
		Confidence float64    `json:"confidence"`
	}

	kvContent struct {
		Content string `json:"content"`
	}

	language struct {
		Locale     string  `json:"locale"`
		Confidence float64 `json:"confidence"`
	}

	docStyle struct{}
	doc      struct{}
)

// translate converts the provider payload into the canonical result. A nil
// analyzeResult yields an empty result rather than an error: a succeeded
// operation with no content is an empty document.
func translate(ar *analyzeResult) *ocr.Result {
	res := &ocr.Result{EngineKind: ocr.EngineAzure}
	if ar == nil {
		return res
	}
	res.Text = ar.Content
	res.PageCount = len(ar.Pages)

	var confSum float64
	var words int
	for _, p := range ar.Pages {
		for _, w := range p.Words {
			confSum += ocr.NormalizeConfidence(w.Confidence)
			words++
		}
	}
	res.WordCount = words
	if words == 0 {
		res.WordCount = ocr.CountWords(ar.Content)
	} else {
		res.Confidence = confSum / float64(words)
	}

	res.TableCount = len(ar.Tables)
	for _, t := range ar.Tables {
		ct := ocr.Table{RowCount: t.RowCount, ColumnCount: t.ColumnCount}
		for _, c := range t.Cells {
			ct.Cells = append(ct.Cells, ocr.TableCell{
				Row:    c.RowIndex,
				Column: c.ColumnIndex,
				Text:   c.Content,
			})
		}
		res.Tables = append(res.Tables, ct)
	}

	for _, kv := range ar.KeyValues {
		if kv.Key == nil {
			continue
		}
		pair := ocr.KeyValuePair{
			Key:           kv.Key.Content,
			KeyConfidence: ocr.NormalizeConfidence(kv.Confidence),
		}
		if kv.Value != nil {
			pair.Value = kv.Value.Content
			pair.ValueConfidence = pair.KeyConfidence
		}
		res.KeyValuePairs = append(res.KeyValuePairs, pair)
	}

	var bestLang string
	var bestConf float64
	for _, l := range ar.Languages {
		if l.Confidence >= bestConf {
			bestConf, bestLang = l.Confidence, l.Locale
		}
	}
	res.LanguageDetected = bestLang
	return res
}
