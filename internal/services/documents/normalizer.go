package documents

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/tidwall/gjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/kbchat/internal/models"
)

var (
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	inlineSpaceRe = regexp.MustCompile(`[ \t\f\v]+`)
)

// Normalizer converts typed document content into the plain text that is
// chunked and embedded. Output is deterministic for identical input.
type Normalizer struct {
	markdown goldmark.Markdown
	logger   arbor.ILogger
}

// NewNormalizer creates a normalizer
func NewNormalizer(logger arbor.ILogger) *Normalizer {
	return &Normalizer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough),
		),
		logger: logger,
	}
}

// Normalize returns the plain text of content interpreted as docType
func (n *Normalizer) Normalize(docType models.DocumentType, content string) (string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	var (
		out string
		err error
	)
	switch docType {
	case models.DocumentTypeText:
		out = content
	case models.DocumentTypeMarkdown:
		out = n.markdownToText(content)
	case models.DocumentTypeHTML:
		out, err = n.htmlToText(content)
	case models.DocumentTypeRichText:
		out, err = richTextToText(content)
	case models.DocumentTypeStructured:
		out, err = structuredToText(content)
	default:
		return "", models.NewError(models.KindInvalidArgument, "unsupported document type %q", docType)
	}
	if err != nil {
		return "", models.WrapError(models.KindInvalidArgument, err, "failed to normalize %s document", docType)
	}

	if docType != models.DocumentTypeText {
		out = tidy(out)
	}

	n.logger.Debug().
		Str("type", string(docType)).
		Int("input_length", len(content)).
		Int("output_length", len(out)).
		Msg("Document normalized")

	return out, nil
}

// htmlToText converts HTML through markdown so headings, lists and tables
// keep their line structure
func (n *Normalizer) htmlToText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	cleaned, err := stripNonContent(html)
	if err != nil {
		return "", err
	}

	converter := md.NewConverter("", true, nil)
	converted, err := converter.ConvertString(cleaned)
	if err != nil || strings.TrimSpace(converted) == "" {
		n.logger.Warn().Err(err).Int("html_length", len(html)).Msg("HTML to markdown conversion failed, extracting text directly")
		return richTextToText(html)
	}

	return n.markdownToText(converted), nil
}

func (n *Normalizer) markdownToText(src string) string {
	source := []byte(src)
	doc := n.markdown.Parser().Parse(text.NewReader(source))

	r := &textRenderer{source: source}
	_ = ast.Walk(doc, r.walk)
	return r.sb.String()
}

type textRenderer struct {
	source []byte
	sb     strings.Builder
}

func (r *textRenderer) newline() {
	s := r.sb.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n") {
		r.sb.WriteString("\n")
	}
}

func (r *textRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Heading, *ast.Paragraph, *ast.TextBlock, *ast.Blockquote:
		if !entering {
			r.newline()
		}
	case *ast.ListItem:
		if entering {
			r.newline()
			r.sb.WriteString("- ")
		}
	case *ast.FencedCodeBlock:
		if entering {
			r.writeLines(n.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.writeLines(n.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.Text:
		if entering {
			r.sb.Write(n.Segment.Value(r.source))
			if n.HardLineBreak() || n.SoftLineBreak() {
				r.sb.WriteString("\n")
			}
		}
	case *ast.String:
		if entering {
			r.sb.Write(n.Value)
		}
	case *ast.CodeSpan:
		if entering {
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					r.sb.Write(t.Segment.Value(r.source))
				}
			}
		}
		return ast.WalkSkipChildren, nil
	case *ast.ThematicBreak:
		if entering {
			r.newline()
		}
	case *extast.TableRow, *extast.TableHeader:
		if !entering {
			r.newline()
		}
	case *extast.TableCell:
		if !entering && n.NextSibling() != nil {
			r.sb.WriteString(" | ")
		}
	}
	return ast.WalkContinue, nil
}

func (r *textRenderer) writeLines(lines *text.Segments) {
	r.newline()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		r.sb.Write(line.Value(r.source))
	}
	r.newline()
}

// stripNonContent removes elements that never carry readable text
func stripNonContent(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()
	return doc.Html()
}

// richTextToText extracts visible text from rich-text markup, one line per
// block element
func richTextToText(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse rich text: %w", err)
	}

	doc.Find("script, style, noscript, template").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, blockquote, pre, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("td, th").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	return doc.Text(), nil
}

// structuredToText flattens JSON into "path: value" lines in document order
func structuredToText(content string) (string, error) {
	if !gjson.Valid(content) {
		return "", fmt.Errorf("structured document is not valid JSON")
	}

	var sb strings.Builder
	flatten(&sb, "", gjson.Parse(content))
	return sb.String(), nil
}

func flatten(sb *strings.Builder, path string, value gjson.Result) {
	if value.IsObject() || value.IsArray() {
		index := 0
		value.ForEach(func(key, child gjson.Result) bool {
			segment := key.String()
			if value.IsArray() {
				segment = fmt.Sprintf("%d", index)
			}
			index++
			if path != "" {
				segment = path + "." + segment
			}
			flatten(sb, segment, child)
			return true
		})
		return
	}

	if path != "" {
		sb.WriteString(path)
		sb.WriteString(": ")
	}
	sb.WriteString(value.String())
	sb.WriteString("\n")
}

// tidy collapses inline whitespace runs and blank-line runs and trims each line
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpaceRe.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
