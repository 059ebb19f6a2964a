package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"gopkg.in/yaml.v3"
	"jaytaylor.com/html2text"
)

// titleRunes is how much of the question becomes the title when a record
// has none.
const titleRunes = 40

// Record is one FAQ entry as found in a source file, keyed by column name.
type Record map[string]any

// aliases maps source column names onto the canonical field they feed.
// Canonical names win over aliases when both are present.
var aliases = map[string][]string{
	"question": {"question", "질문", "문의", "Q"},
	"answer":   {"answer", "답변", "A", "내용"},
	"url":      {"url", "링크"},
	"title":    {"title", "제목"},
	"category": {"category", "카테고리"},
	"id":       {"id"},
}

var htmlTag = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)

// inlineTag matches phrasing elements that sit inside a word. html2text
// separates every text node with a space, so these are unwrapped first.
var inlineTag = regexp.MustCompile(`(?i)</?(?:span|b|strong|i|em|u|font|mark|small|sup|sub|a)\b[^>]*>`)

// LoadFile reads FAQ records from a .json, .jsonl, .yaml or .yml file and
// normalises them into documents.
func LoadFile(path string) ([]types.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		records, err = decodeJSON(f)
	case ".jsonl", ".ndjson":
		records, err = decodeJSONLines(f)
	case ".yaml", ".yml":
		records, err = decodeYAML(f)
	default:
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	xlog.Debug("Read FAQ records", "path", path, "records", len(records))
	return Normalize(records)
}

// Normalize turns records into documents: text is question and answer
// joined by a newline, the title falls back to the start of the question
// and the id to the url, then to doc-<position>. Records without any text
// are skipped; repeated ids get a #n suffix.
func Normalize(records []Record) ([]types.Document, error) {
	docs := make([]types.Document, 0, len(records))
	seen := make(map[string]int, len(records))

	for i, r := range records {
		q := r.field("question")
		a := cleanAnswer(r.field("answer"))

		text := strings.TrimSpace(q + "\n" + a)
		if text == "" {
			continue
		}

		title := r.field("title")
		if title == "" {
			title = truncateRunes(q, titleRunes)
		}

		url := r.field("url")
		id := r.field("id")
		if id == "" {
			id = url
		}
		if id == "" {
			id = fmt.Sprintf("doc-%d", i)
		}

		seen[id]++
		if n := seen[id]; n > 1 {
			xlog.Warn("Duplicate FAQ id, renaming", "id", id, "occurrence", n)
			id = fmt.Sprintf("%s#%d", id, n)
		}

		docs = append(docs, types.Document{
			ID:       id,
			Text:     text,
			Title:    title,
			URL:      url,
			Category: r.field("category"),
		})
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no record has a question or an answer", types.ErrInvalidDocument)
	}
	return docs, nil
}

// field returns the trimmed string value of the first column that feeds name.
func (r Record) field(name string) string {
	for _, col := range aliases[name] {
		v, ok := r[col]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

// cleanAnswer strips HTML markup from answers exported from a help centre.
// Plain text is returned untouched.
func cleanAnswer(a string) string {
	if !htmlTag.MatchString(a) {
		return a
	}
	text, err := html2text.FromString(inlineTag.ReplaceAllString(a, ""), html2text.Options{PrettyTables: true})
	if err != nil {
		xlog.Debug("Failed to convert answer from HTML, keeping it as is", "error", err)
		return a
	}
	return strings.TrimSpace(text)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// decodeJSON accepts a list of records, or an object mapping each question
// to either its answer or a record.
func decodeJSON(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var byQuestion map[string]any
	if err := json.Unmarshal(data, &byQuestion); err != nil {
		return nil, err
	}
	return fromMapping(byQuestion), nil
}

func decodeJSONLines(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func decodeYAML(r io.Reader) ([]Record, error) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	if node.Content[0].Kind == yaml.SequenceNode {
		var records []Record
		if err := node.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var byQuestion map[string]any
	if err := node.Decode(&byQuestion); err != nil {
		return nil, err
	}
	return fromMapping(byQuestion), nil
}

// fromMapping expands {question: answer} and {key: record} objects. Keys are
// visited in sorted order so generated ids are stable.
func fromMapping(m map[string]any) []Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(m))
	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]any:
			rec := Record(v)
			if rec.field("question") == "" {
				rec["question"] = k
			}
			if rec.field("title") == "" {
				rec["title"] = k
			}
			records = append(records, rec)
		default:
			records = append(records, Record{"question": k, "answer": fmt.Sprint(v)})
		}
	}
	return records
}
