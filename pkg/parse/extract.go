package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/Sriram-PR/vx-mirror/pkg/cache"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// FileLink is a downloadable file found on a collection page
type FileLink struct {
	URL  string // Absolute source address
	Name string // Sanitized local file name
}

// Extractor pulls file links and sub-collection names out of collection pages
type Extractor struct {
	base        *url.URL
	fileSel     cascadia.Selector
	categorySel cascadia.Selector
}

// NewExtractor compiles both selectors through the shared selector cache.
// A selector that does not compile is a configuration error.
func NewExtractor(baseURL, fileSelector, categorySelector string, selectors *cache.Cache[cascadia.Selector]) (*Extractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, utils.WrapErrorf(utils.ErrConfigValidation, "base URL '%s' is not absolute", baseURL)
	}
	if err := selectors.Precompile(fileSelector, categorySelector); err != nil {
		return nil, err
	}
	fileSel, err := selectors.GetOrCompile(fileSelector)
	if err != nil {
		return nil, err
	}
	categorySel, err := selectors.GetOrCompile(categorySelector)
	if err != nil {
		return nil, err
	}
	return &Extractor{base: base, fileSel: fileSel, categorySel: categorySel}, nil
}

// Parse turns a page body into a document
func (e *Extractor) Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML: %w", utils.ErrParsing, err)
	}
	return doc, nil
}

// FileLinks returns every distinct file link on the page, in document order.
// Relative hrefs resolve against the base URL. The file name is the last path
// segment of the link, sanitized for the local filesystem.
func (e *Extractor) FileLinks(doc *goquery.Document) []FileLink {
	var links []FileLink
	seen := make(map[string]bool)
	doc.FindMatcher(e.fileSel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := ref
		if !ref.IsAbs() {
			abs = e.base.ResolveReference(ref)
		}
		abs.Fragment = ""
		fileURL := abs.String()
		if seen[fileURL] {
			return
		}
		seen[fileURL] = true

		links = append(links, FileLink{URL: fileURL, Name: FileName(abs)})
	})
	return links
}

// FileName derives the local file name for a file URL. The last segment is split
// on the escaped path so an encoded slash stays inside the name.
func FileName(u *url.URL) string {
	escaped := strings.TrimRight(u.EscapedPath(), "/")
	segment := escaped[strings.LastIndex(escaped, "/")+1:]
	name, err := url.PathUnescape(segment)
	if err != nil {
		name = segment
	}
	return utils.SafePathComponent(name)
}

// Categories returns the trimmed, non-empty sub-collection names on the page,
// deduplicated, in document order.
func (e *Extractor) Categories(doc *goquery.Document) []string {
	var names []string
	seen := make(map[string]bool)
	doc.FindMatcher(e.categorySel).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Text())
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	})
	return names
}
