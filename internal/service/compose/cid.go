package compose

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shanani/mailpipe/pkg/logger"
)

// InlineImage is a decoded `data:` image pulled out of an HTML body and
// rewritten to a `cid:` reference (§4.4 CID image inlining).
type InlineImage struct {
	ContentID   string
	ContentType string
	Content     []byte
}

var dataImagePattern = regexp.MustCompile(`^data:image/([a-zA-Z0-9.+-]+);base64,(.+)$`)

// InlineCIDImages parses html tolerantly, rewrites every `<img src="data:image/...">`
// to `src="cid:<generated>"`, and returns the decoded images plus the rewritten
// HTML. On any per-image decode failure that image is left untouched and a
// warning is logged. If HTML parsing fails altogether, the original HTML is
// returned unchanged (§4.4 algorithm steps 1-5).
func InlineCIDImages(html string, newContentID func() string, log logger.Logger) (string, []InlineImage) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		if log != nil {
			log.WithField("error", err.Error()).Warn("CID inlining: HTML parse failed, using original body")
		}
		return html, nil
	}

	var images []InlineImage
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok {
			return
		}
		m := dataImagePattern.FindStringSubmatch(src)
		if m == nil {
			return
		}
		subtype, payload := m[1], m[2]

		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			if log != nil {
				log.WithField("subtype", subtype).Warn("CID inlining: invalid base64, leaving image untouched")
			}
			return
		}

		cid := newContentID()
		images = append(images, InlineImage{
			ContentID:   cid,
			ContentType: "image/" + subtype,
			Content:     decoded,
		})
		sel.SetAttr("src", "cid:"+cid)
	})

	if len(images) == 0 {
		return html, nil
	}

	out, err := doc.Html()
	if err != nil {
		if log != nil {
			log.WithField("error", err.Error()).Warn("CID inlining: re-serializing HTML failed, using original body")
		}
		return html, nil
	}
	return out, images
}

// ApplyMobileAccessibility is a best-effort post-pass: ensures viewport and
// charset meta tags, responsive image styling, alt text, and normalized body
// spacing. All failures are non-fatal — the original html is returned if
// parsing fails (§4.4 mobile/accessibility post-processing).
func ApplyMobileAccessibility(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	head := doc.Find("head")
	if head.Length() == 0 {
		doc.Find("html").PrependHtml("<head></head>")
		head = doc.Find("head")
	}
	if head.Find(`meta[name="viewport"]`).Length() == 0 {
		head.AppendHtml(`<meta name="viewport" content="width=device-width, initial-scale=1.0">`)
	}
	if head.Find(`meta[charset]`).Length() == 0 {
		head.PrependHtml(`<meta charset="UTF-8">`)
	}

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if _, hasWidth := sel.Attr("width"); !hasWidth {
			style, _ := sel.Attr("style")
			sel.SetAttr("style", strings.TrimSpace(style+"; max-width:100%; height:auto; display:block"))
		}
		if _, hasAlt := sel.Attr("alt"); !hasAlt {
			sel.SetAttr("alt", "Image")
		}
	})

	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		style, _ := sel.Attr("style")
		if !strings.Contains(style, "margin") {
			sel.SetAttr("style", strings.TrimSpace(style+"; margin:0; padding:0; font-family:sans-serif"))
		}
	})

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}
