package channels

import (
	"fmt"
	"regexp"
	"strings"
)

// FormatForChannel prepares assistant output for one channel: strips
// markdown when the transport cannot render it, then chunks the result to
// the channel's message size limit. Returns no chunks for blank content.
//
// Chunking splits on blank-line paragraph boundaries first, packing
// paragraphs greedily. A paragraph over the limit is split again on
// sentence boundaries. A single sentence that still exceeds the limit is
// returned as one oversize chunk rather than cut mid-word; the transport
// may reject it, but the text is never corrupted.
func FormatForChannel(content string, caps Capabilities) []string {
	text := strings.ReplaceAll(content, "\r\n", "\n")
	if !caps.Markdown {
		text = stripMarkdown(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return chunkToLimit(text, caps.MaxMessageLength)
}

var (
	codeFenceRe   = regexp.MustCompile("(?s)```(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`[^`]+`")
	imageRe       = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]*)\)`)
	linkRe        = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	headerRe      = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	hrRe          = regexp.MustCompile(`(?m)^ {0,3}(?:-{3,}|\*{3,}|_{3,})[ \t]*$`)
	boldStarRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	boldUnderRe   = regexp.MustCompile(`__([^_]+)__`)
	bulletRe      = regexp.MustCompile(`(?m)^([ \t]*)\*[ \t]+`)
	italicStarRe  = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUnderRe = regexp.MustCompile(`_([^_\n]+)_`)
	strikeRe      = regexp.MustCompile(`~~([^~]+)~~`)
	blockquoteRe  = regexp.MustCompile(`(?m)^>[ \t]?`)
)

// stripMarkdown reduces markdown to plain text. Code spans are protected
// with placeholders so their contents pass through untouched, the way a
// reader of an SMS would expect to see the code verbatim.
func stripMarkdown(text string) string {
	var protected []string
	nextPlaceholder := func(content string) string {
		// No underscores or asterisks in the placeholder, so the
		// emphasis passes below cannot mangle it.
		ph := fmt.Sprintf("\x00FERNCODE%d\x00", len(protected))
		protected = append(protected, content)
		return ph
	}

	// Fenced code blocks: drop the fences and the language tag, keep the
	// code itself.
	text = codeFenceRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "```"), "```")
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 && isLanguageTag(inner[:nl]) {
			inner = inner[nl+1:]
		}
		return nextPlaceholder(strings.TrimSpace(inner))
	})

	// Inline code: unwrap the backticks, protect the contents.
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return nextPlaceholder(m[1 : len(m)-1])
	})

	// Images before links: the link pattern would otherwise swallow the
	// bracket half of ![alt](url) and leave a stray "!".
	text = imageRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")

	// ATX headers become their title text.
	text = headerRe.ReplaceAllString(text, "")

	// Horizontal rules in any marker style collapse to a plain one.
	text = hrRe.ReplaceAllString(text, "---")

	text = boldStarRe.ReplaceAllString(text, "$1")
	text = boldUnderRe.ReplaceAllString(text, "$1")

	// Star bullets become dashes before the italic pass, so "* item"
	// lines are not misread as emphasis.
	text = bulletRe.ReplaceAllString(text, "${1}- ")

	text = italicStarRe.ReplaceAllString(text, "$1")
	text = italicUnderRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = blockquoteRe.ReplaceAllString(text, "")

	for i, content := range protected {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00FERNCODE%d\x00", i), content)
	}

	return strings.TrimSpace(text)
}

// isLanguageTag reports whether the first line of a fenced block is a
// language identifier ("go", "python3", or empty) rather than code.
func isLanguageTag(line string) bool {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

// chunkToLimit splits text into pieces of at most max bytes, preferring
// paragraph boundaries, then sentence boundaries.
func chunkToLimit(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, para := range splitParagraphs(text) {
		if len(para) > max {
			flush()
			chunks = append(chunks, splitOversizeParagraph(para, max)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	return chunks
}

// splitOversizeParagraph packs a paragraph's sentences into chunks. A
// paragraph with no sentence boundary, or a single sentence beyond the
// limit, comes back as one oversize chunk.
func splitOversizeParagraph(para string, max int) []string {
	sentences := splitSentences(para)
	if len(sentences) <= 1 {
		return []string{para}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, s := range sentences {
		if len(s) > max {
			flush()
			chunks = append(chunks, s)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(s) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	flush()

	return chunks
}

var paragraphRe = regexp.MustCompile(`\n[ \t]*\n+`)

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts text after runs of ".", "!" or "?" followed by
// whitespace or end of text.
func splitSentences(text string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	start := 0
	for i := 0; i < len(text); i++ {
		if !isSentenceEnd(text[i]) {
			continue
		}
		j := i
		for j+1 < len(text) && isSentenceEnd(text[j+1]) {
			j++
		}
		if j+1 < len(text) && !isWhitespace(text[j+1]) {
			i = j
			continue
		}
		emit(text[start : j+1])
		k := j + 1
		for k < len(text) && isWhitespace(text[k]) {
			k++
		}
		start = k
		i = k - 1
	}
	if start < len(text) {
		emit(text[start:])
	}
	return out
}

func isSentenceEnd(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
