package textract

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// translate converts a Textract block list into the canonical result.
// Textract reports confidences as percentages; they are normalized here.
func translate(blocks []types.Block) *ocr.Result {
	res := &ocr.Result{EngineKind: ocr.EngineTextract}

	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var lines []string
	var confSum float64
	var words int
	pages := 0
	for _, b := range blocks {
		switch b.BlockType {
		case types.BlockTypePage:
			pages++
		case types.BlockTypeLine:
			if b.Text != nil {
				lines = append(lines, *b.Text)
			}
		case types.BlockTypeWord:
			words++
			if b.Confidence != nil {
				confSum += ocr.NormalizeConfidence(float64(*b.Confidence))
			}
		case types.BlockTypeTable:
			res.Tables = append(res.Tables, translateTable(b, byID))
		case types.BlockTypeKeyValueSet:
			if kv, ok := translateKeyValue(b, byID); ok {
				res.KeyValuePairs = append(res.KeyValuePairs, kv)
			}
		}
	}

	res.Text = strings.Join(lines, "\n")
	res.PageCount = pages
	res.WordCount = words
	if words > 0 {
		res.Confidence = confSum / float64(words)
	}
	res.TableCount = len(res.Tables)
	return res
}

func translateTable(table types.Block, byID map[string]types.Block) ocr.Table {
	out := ocr.Table{}
	for _, cellID := range childIDs(table) {
		cell, ok := byID[cellID]
		if !ok || cell.BlockType != types.BlockTypeCell {
			continue
		}
		row, col := 0, 0
		if cell.RowIndex != nil {
			row = int(*cell.RowIndex) - 1
		}
		if cell.ColumnIndex != nil {
			col = int(*cell.ColumnIndex) - 1
		}
		if row+1 > out.RowCount {
			out.RowCount = row + 1
		}
		if col+1 > out.ColumnCount {
			out.ColumnCount = col + 1
		}
		c := ocr.TableCell{Row: row, Column: col, Text: childText(cell, byID)}
		if cell.Confidence != nil {
			c.Confidence = ocr.NormalizeConfidence(float64(*cell.Confidence))
		}
		out.Cells = append(out.Cells, c)
	}
	sort.Slice(out.Cells, func(i, j int) bool {
		if out.Cells[i].Row != out.Cells[j].Row {
			return out.Cells[i].Row < out.Cells[j].Row
		}
		return out.Cells[i].Column < out.Cells[j].Column
	})
	return out
}

// translateKeyValue resolves a KEY block into a key/value pair by following
// its VALUE relationship. VALUE-side blocks are skipped; they are reached
// through their key.
func translateKeyValue(b types.Block, byID map[string]types.Block) (ocr.KeyValuePair, bool) {
	isKey := false
	for _, et := range b.EntityTypes {
		if et == types.EntityTypeKey {
			isKey = true
		}
	}
	if !isKey {
		return ocr.KeyValuePair{}, false
	}

	kv := ocr.KeyValuePair{Key: childText(b, byID)}
	if b.Confidence != nil {
		kv.KeyConfidence = ocr.NormalizeConfidence(float64(*b.Confidence))
	}
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			val, ok := byID[id]
			if !ok {
				continue
			}
			kv.Value = childText(val, byID)
			if val.Confidence != nil {
				kv.ValueConfidence = ocr.NormalizeConfidence(float64(*val.Confidence))
			}
		}
	}
	return kv, kv.Key != ""
}

func childIDs(b types.Block) []string {
	var out []string
	for _, rel := range b.Relationships {
		if rel.Type == types.RelationshipTypeChild {
			out = append(out, rel.Ids...)
		}
	}
	return out
}

func childText(b types.Block, byID map[string]types.Block) string {
	var parts []string
	for _, id := range childIDs(b) {
		child, ok := byID[id]
		if !ok {
			continue
		}
		if child.BlockType == types.BlockTypeWord && child.Text != nil {
			parts = append(parts, *child.Text)
		}
	}
	return strings.Join(parts, " ")
}
