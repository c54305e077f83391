package frontend

import "html/template"

// Link is one downloadable artifact row on a package page.
type Link struct {
	Filename string
	URL      string
}

type linksPageData struct {
	PackageName string
	Platform    string
	Links       []Link
}

type rootPageData struct {
	Indexes  string
	Platform string
}

var linksTemplate = template.Must(template.New("simple").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>Links for {{.PackageName}} ({{.Platform}})</title>
    <meta name="api-version" value="2" />
  </head>
  <body>
    <h1>Links for {{.PackageName}}</h1>
{{- range .Links}}
    <a href="{{.URL}}" rel="internal">{{.Filename}}</a><br/>
{{- end}}
  </body>
</html>
`))

var rootTemplate = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>Simple index</title>
  </head>
  <body>
    <p>This is a per-package index for {{.Indexes}} on {{.Platform}}.
    Point your installer at it with
    <code>--index-url</code> and request packages by name.</p>
  </body>
</html>
`))
