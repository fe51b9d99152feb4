package notify

import (
	"errors"
	"html"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	textm "github.com/yuin/goldmark/text"

	"github.com/redloop-ai/redloop/internal/logging"
)

// telegramMarkdown parses notification bodies. Strikethrough is the only
// extension Telegram's HTML subset can represent.
var telegramMarkdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// formatTelegram renders a markdown body to the HTML subset Telegram
// accepts. ok is false when rendering fails and the caller should send
// the body as plain text without a parse mode.
func formatTelegram(text string) (string, bool) {
	formatted, err := renderTelegram(text, telegramMarkdown)
	if err != nil {
		logging.Logger().Warn("telegram markdown render failed, sending plain text", "err", err)
		return "", false
	}
	return formatted, true
}

type listLevel struct {
	marker  byte
	ordered bool
	index   int
}

func (l *listLevel) next() string {
	if l.ordered {
		item := strconv.Itoa(l.index) + ". "
		l.index++
		return item
	}
	return string(l.marker) + " "
}

// renderTelegram walks the markdown AST and emits only tags Telegram
// understands: b, i, s, code, pre, a and blockquote. Headings become
// bold lines, list markers stay literal, raw HTML and images are
// dropped.
func renderTelegram(text string, md goldmark.Markdown) (string, error) {
	if md == nil {
		return "", errors.New("telegram markdown renderer is not configured")
	}

	source := []byte(text)
	doc := md.Parser().Parse(textm.NewReader(source))

	var out strings.Builder
	var lists []listLevel
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				out.WriteString("<b>")
			} else {
				out.WriteString("</b>\n")
			}
		case *ast.Paragraph:
			if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem && node.NextSibling() != nil {
				out.WriteString("\n\n")
			}
		case *ast.List:
			if entering {
				lists = append(lists, listLevel{marker: node.Marker, ordered: node.IsOrdered(), index: node.Start})
			} else {
				lists = lists[:len(lists)-1]
				if node.NextSibling() != nil {
					out.WriteString("\n")
				}
			}
		case *ast.ListItem:
			if entering {
				out.WriteString(strings.Repeat("  ", len(lists)-1))
				out.WriteString(lists[len(lists)-1].next())
			} else {
				out.WriteString("\n")
			}
		case *ast.Text:
			if entering {
				out.WriteString(html.EscapeString(string(node.Segment.Value(source))))
				if node.SoftLineBreak() || node.HardLineBreak() {
					out.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				out.WriteString(html.EscapeString(string(node.Value)))
			}
		case *ast.Emphasis:
			tag := "i"
			if node.Level == 2 {
				tag = "b"
			}
			if entering {
				out.WriteString("<" + tag + ">")
			} else {
				out.WriteString("</" + tag + ">")
			}
		case *east.Strikethrough:
			if entering {
				out.WriteString("<s>")
			} else {
				out.WriteString("</s>")
			}
		case *ast.CodeSpan:
			if entering {
				out.WriteString("<code>")
			} else {
				out.WriteString("</code>")
			}
		case *ast.FencedCodeBlock:
			if entering {
				writeCodeBlock(&out, source, node.Lines(), node.NextSibling() != nil)
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if entering {
				writeCodeBlock(&out, source, node.Lines(), node.NextSibling() != nil)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Blockquote:
			if entering {
				out.WriteString("<blockquote>")
			} else {
				out.WriteString("</blockquote>")
				if node.NextSibling() != nil {
					out.WriteString("\n")
				}
			}
		case *ast.Link:
			if entering {
				out.WriteString(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
			} else {
				out.WriteString("</a>")
			}
		case *ast.AutoLink:
			if entering {
				url := html.EscapeString(string(node.URL(source)))
				label := html.EscapeString(string(node.Label(source)))
				out.WriteString(`<a href="` + url + `">` + label + "</a>")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.ThematicBreak:
			if entering {
				out.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func writeCodeBlock(out *strings.Builder, source []byte, lines *textm.Segments, hasNext bool) {
	out.WriteString("<pre><code>")
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		out.WriteString(html.EscapeString(string(segment.Value(source))))
	}
	out.WriteString("</code></pre>")
	if hasNext {
		out.WriteString("\n")
	}
}
