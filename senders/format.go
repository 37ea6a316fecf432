package senders

import (
	"fmt"
	"html"
	"strings"

	"github.com/fiffu/releasewatch/lib/models"
)

const notesExcerptLimit = 500

type releaseMessageFormat struct {
	*models.Subscription
	*models.Release
}

func (f *releaseMessageFormat) Subject() string {
	return fmt.Sprintf("New release for %s: %s", f.Ref().Slug(), f.TagName)
}

func (f *releaseMessageFormat) TelegramHTML() string {
	var b strings.Builder

	fmt.Fprintf(&b, "🎉 New release for <b>%s</b>\n\n", html.EscapeString(f.Ref().Slug()))
	if f.Title != "" {
		fmt.Fprintf(&b, "📦 %s\n", html.EscapeString(f.Title))
	}
	fmt.Fprintf(&b, "🏷 Tag: %s\n", html.EscapeString(f.TagName))
	if !f.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "📅 Published: %s\n", f.PublishedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if notes := NotesExcerpt(f.Notes); notes != "" {
		fmt.Fprintf(&b, "\n📝 Release notes:\n%s\n", html.EscapeString(notes))
	}
	fmt.Fprintf(&b, "\n🔗 %s\n", f.HTMLURL)

	if len(f.Assets) > 0 {
		fmt.Fprintf(&b, "\n📥 %d file(s) available:\n", len(f.Assets))
		for _, asset := range f.Assets {
			fmt.Fprintf(&b, `• <a href="%s">%s</a>%s`+"\n", asset.URL, html.EscapeString(asset.Name), assetSize(asset))
		}
	}

	return b.String()
}

func (f *releaseMessageFormat) EmailHTML() string {
	var b strings.Builder

	fmt.Fprintf(&b, `<h3>New release on <a href="%s">%s</a>: %s</h3>`,
		f.HTMLURL, html.EscapeString(f.Ref().Slug()), html.EscapeString(f.TagName))
	if f.Title != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(f.Title))
	}
	if notes := NotesExcerpt(f.Notes); notes != "" {
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(notes))
	}
	if len(f.Assets) > 0 {
		b.WriteString("<ul>")
		for _, asset := range f.Assets {
			fmt.Fprintf(&b, `<li><a href="%s">%s</a>%s</li>`, asset.URL, html.EscapeString(asset.Name), assetSize(asset))
		}
		b.WriteString("</ul>")
	}

	return b.String()
}

// NotesExcerpt truncates release notes so one chatty changelog cannot blow
// the delivery platform's message limit.
func NotesExcerpt(notes string) string {
	runes := []rune(strings.TrimSpace(notes))
	if len(runes) <= notesExcerptLimit {
		return string(runes)
	}
	return string(runes[:notesExcerptLimit]) + "..."
}

func assetSize(asset models.ReleaseAsset) string {
	if asset.Size <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%.1fMB)", float64(asset.Size)/1024/1024)
}
