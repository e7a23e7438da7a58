package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"previewer/api/internal/queue"
)

type DigestGroup struct {
	SessionID     string
	DocumentTitle string
	DocumentSlug  string
	Link          string
	Items         []queue.Notification
}

type digestData struct {
	Groups []DigestGroup
}

// GroupBySession buckets notifications by session, keeping first-seen order
// for groups and chronological order within each group.
func GroupBySession(items []queue.Notification, baseURL string) []DigestGroup {
	index := map[string]int{}
	groups := make([]DigestGroup, 0)
	for _, item := range items {
		i, ok := index[item.SessionID]
		if !ok {
			i = len(groups)
			index[item.SessionID] = i
			groups = append(groups, DigestGroup{
				SessionID:     item.SessionID,
				DocumentTitle: item.DocumentTitle,
				DocumentSlug:  item.DocumentSlug,
			})
		}
		if groups[i].Link == "" && item.Link != "" {
			groups[i].Link = item.Link
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	for i := range groups {
		if groups[i].Link == "" {
			groups[i].Link = strings.TrimRight(baseURL, "/") + "/preview/" + groups[i].DocumentSlug
		}
	}
	return groups
}

// AudienceOf decides which template a batch gets. Explicit audiences win;
// untagged batches are owner digests when they contain only comments.
func AudienceOf(items []queue.Notification) queue.Audience {
	for _, item := range items {
		if item.Audience == queue.AudienceReviewer {
			return queue.AudienceReviewer
		}
	}
	for _, item := range items {
		if item.Audience == "" && item.Type != queue.TypeComment {
			return queue.AudienceReviewer
		}
	}
	return queue.AudienceOwner
}

// BuildDigest renders the single email sent to one recipient for a batch.
func BuildDigest(to string, items []queue.Notification, baseURL string) (Message, error) {
	if len(items) == 0 {
		return Message{}, fmt.Errorf("build digest for %s: no notifications", to)
	}
	groups := GroupBySession(items, baseURL)
	data := digestData{Groups: groups}

	var (
		subject string
		tmpl    *template.Template
	)
	if AudienceOf(items) == queue.AudienceOwner {
		subject = "New comments on your draft"
		if len(groups) > 1 {
			subject += "s"
		}
		tmpl = ownerDigestTemplate
	} else {
		subject = "Updates on your feedback"
		tmpl = reviewerDigestTemplate
	}

	html, err := renderTemplate(tmpl, data)
	if err != nil {
		return Message{}, fmt.Errorf("render digest template: %w", err)
	}
	return Message{To: to, Subject: subject, HTML: html}, nil
}

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var templateFuncs = template.FuncMap{
	"isComment": func(n queue.Notification) bool { return n.Type == queue.TypeComment },
	"isResolve": func(n queue.Notification) bool { return n.Type == queue.TypeResolve },
	"comments": func(items []queue.Notification) []queue.Notification {
		out := make([]queue.Notification, 0, len(items))
		for _, item := range items {
			if item.Type == queue.TypeComment {
				out = append(out, item)
			}
		}
		return out
	},
}

const digestStyles = `
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    .header { background-color: #f8f9fa; padding: 20px; border-radius: 8px; margin-bottom: 20px; }
    .document-title { font-size: 18px; font-weight: 600; margin-bottom: 10px; }
    .item { background-color: #f8f9fa; padding: 12px; margin: 8px 0; border-radius: 6px; }
    .item-content { margin-top: 4px; color: #666; }
    .cta { display: inline-block; color: white; padding: 12px 24px; text-decoration: none; border-radius: 6px; margin-top: 16px; }
    .footer { margin-top: 40px; padding-top: 20px; border-top: 1px solid #e5e7eb; color: #6b7280; font-size: 14px; }
`

var ownerDigestTemplate = template.Must(template.New("owner").Funcs(templateFuncs).Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <style>` + digestStyles + `
    .document { margin-bottom: 30px; border-left: 4px solid #3b82f6; padding-left: 16px; }
    .author { font-weight: 600; color: #3b82f6; }
    .cta { background-color: #3b82f6; }
  </style>
</head>
<body>
  <div class="header">
    <h1 style="margin: 0; font-size: 24px;">New Comments on Your Drafts</h1>
    <p style="margin: 8px 0 0 0; color: #6b7280;">You have received feedback from your reviewers.</p>
  </div>
  {{range .Groups}}{{$comments := comments .Items}}{{if $comments}}
  <div class="document">
    <div class="document-title">{{.DocumentTitle}}</div>
    <p style="color: #6b7280; font-size: 14px;">{{len $comments}} new comment(s)</p>
    {{range $comments}}
    <div class="item">
      <div class="author">{{.From}}</div>
      <div class="item-content">{{if .Content}}{{.Content}}{{else}}Left a comment{{end}}</div>
    </div>
    {{end}}
    <a href="{{.Link}}" class="cta">View and Respond</a>
  </div>
  {{end}}{{end}}
  <div class="footer">
    <p>You're receiving this email because reviewers left comments on your draft content.</p>
  </div>
</body>
</html>`))

var reviewerDigestTemplate = template.Must(template.New("reviewer").Funcs(templateFuncs).Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <style>` + digestStyles + `
    .document { margin-bottom: 30px; border-left: 4px solid #10b981; padding-left: 16px; }
    .activity { font-weight: 600; color: #10b981; }
    .cta { background-color: #10b981; }
  </style>
</head>
<body>
  <div class="header">
    <h1 style="margin: 0; font-size: 24px;">Updates on Your Feedback</h1>
    <p style="margin: 8px 0 0 0; color: #6b7280;">The author has responded to your comments.</p>
  </div>
  {{range .Groups}}
  <div class="document">
    <div class="document-title">{{.DocumentTitle}}</div>
    <p style="color: #6b7280; font-size: 14px;">{{len .Items}} update(s)</p>
    {{range .Items}}{{if isComment .}}
    <div class="item">
      <div class="activity">{{.From}} replied</div>
      <div class="item-content">{{if .Content}}{{.Content}}{{else}}Left a response{{end}}</div>
    </div>
    {{else if isResolve .}}
    <div class="item">
      <div class="activity">{{.From}} resolved a thread</div>
      <div class="item-content">Your feedback has been addressed</div>
    </div>
    {{end}}{{end}}
    <a href="{{.Link}}" class="cta">View Updates</a>
  </div>
  {{end}}
  <div class="footer">
    <p>You're receiving this email because the author responded to your feedback.</p>
  </div>
</body>
</html>`))
