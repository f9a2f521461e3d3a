package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	opSelector      = "div.opContainer"
	replySelector   = "div.replyContainer"
	messageSelector = "blockquote.postMessage"
)

// ExtractThreadUnits returns the OP text followed by every reply, in document
// order, tagged UnitOP or UnitReply. Only the direct text of each message is
// kept, so quote links and spoiler markup are left out. Posts without text are
// dropped. SourceURL and Seq are left for the caller.
func ExtractThreadUnits(doc *goquery.Document) []Unit {
	if doc == nil {
		return nil
	}
	var units []Unit
	collect := func(selector string, kind UnitKind) {
		doc.Find(selector).Each(func(_ int, post *goquery.Selection) {
			if text := postText(post); text != "" {
				units = append(units, Unit{Text: text, Kind: kind})
			}
		})
	}
	collect(opSelector, UnitOP)
	collect(replySelector, UnitReply)
	return units
}

func postText(post *goquery.Selection) string {
	var parts []string
	post.Find(messageSelector).Each(func(_ int, msg *goquery.Selection) {
		msg.Contents().Each(func(_ int, node *goquery.Selection) {
			if goquery.NodeName(node) == "#text" {
				parts = append(parts, node.Text())
			}
		})
	})
	return strings.TrimSpace(strings.Join(parts, " "))
}
