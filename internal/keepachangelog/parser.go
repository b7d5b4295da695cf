// Package keepachangelog splits a "Keep a Changelog" style markdown document
// into its release sections.
package keepachangelog

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	releaseHeadingLevel = 2
	dateLayout          = "2006-01-02"
	unreleasedLabel     = "unreleased"
)

var (
	datePattern          = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	linkReferencePattern = regexp.MustCompile(`^\[[^\]]+\]:\s*\S`)
)

// Release is one release section in document order.
type Release struct {
	// Version is the heading label; empty for "Unreleased" or label-less headings.
	Version string
	Date    *time.Time
	// Body is the markdown source of the section, heading included.
	Body string
}

// Parser parses changelog documents. The zero value is not usable; use NewParser.
type Parser struct {
	once     sync.Once
	markdown goldmark.Markdown
}

// NewParser constructs a Parser.
func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) engine() goldmark.Markdown {
	p.once.Do(func() {
		p.markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return p.markdown
}

type releaseHeading struct {
	lineStart int
	label     string
	date      *time.Time
}

// Parse returns the releases of raw in the order they appear.
func (p *Parser) Parse(raw []byte) ([]Release, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	document := p.engine().Parser().Parse(text.NewReader(raw))

	var headings []releaseHeading
	boundaries := make([]int, 0)
	for node := document.FirstChild(); node != nil; node = node.NextSibling() {
		heading, ok := node.(*ast.Heading)
		if !ok || heading.Level > releaseHeadingLevel {
			continue
		}
		lines := heading.Lines()
		if lines.Len() == 0 {
			continue
		}
		lineStart := startOfLine(raw, lines.At(0).Start)
		boundaries = append(boundaries, lineStart)
		if heading.Level != releaseHeadingLevel {
			continue
		}
		label, date := parseHeading(segmentsText(raw, lines))
		headings = append(headings, releaseHeading{lineStart: lineStart, label: label, date: date})
	}

	releases := make([]Release, 0, len(headings))
	for _, heading := range headings {
		end := len(raw)
		for _, boundary := range boundaries {
			if boundary > heading.lineStart {
				end = boundary
				break
			}
		}
		releases = append(releases, Release{
			Version: heading.label,
			Date:    heading.date,
			Body:    trimSection(string(raw[heading.lineStart:end])),
		})
	}
	return releases, nil
}

func segmentsText(source []byte, lines *text.Segments) string {
	var builder strings.Builder
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		builder.Write(segment.Value(source))
	}
	return builder.String()
}

func startOfLine(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	return bytes.LastIndexByte(source[:offset], '\n') + 1
}

// parseHeading extracts the label and optional date from heading text such as
// "[1.2.0] - 2024-01-31", "1.2.0 - 2024-01-31" or "v1.2.0 (2024-01-31)".
func parseHeading(headingText string) (string, *time.Time) {
	trimmed := strings.TrimSpace(headingText)
	var label, rest string
	if strings.HasPrefix(trimmed, "[") {
		closing := strings.Index(trimmed, "]")
		if closing < 0 {
			label = strings.TrimPrefix(trimmed, "[")
		} else {
			label = trimmed[1:closing]
			rest = trimmed[closing+1:]
		}
	} else {
		fields := strings.Fields(trimmed)
		if len(fields) > 0 {
			label = fields[0]
			rest = strings.TrimPrefix(trimmed, label)
		}
	}

	label = strings.TrimSpace(label)
	if strings.EqualFold(label, unreleasedLabel) {
		label = ""
	}

	var date *time.Time
	if match := datePattern.FindString(rest); match != "" {
		if parsed, err := time.ParseInLocation(dateLayout, match, time.UTC); err == nil {
			date = &parsed
		}
	}
	return label, date
}

func trimSection(section string) string {
	lines := strings.Split(strings.TrimRight(section, " \t\r\n"), "\n")
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "" || linkReferencePattern.MatchString(last) {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}
	return strings.Join(lines, "\n")
}
