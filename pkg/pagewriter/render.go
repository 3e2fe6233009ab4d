package pagewriter

import (
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/piwheels/master/pkg/catalog"
)

// simpleRootTmpl renders simple/index.html, a PEP 503 root index.
var simpleRootTmpl = template.Must(template.New("simple-root").Parse(`<!DOCTYPE html>
<html>
<head><title>Simple index</title></head>
<body>
{{range .}}<a href="{{.}}/">{{.}}</a><br/>
{{end}}</body>
</html>
`))

func renderSimpleRootIndex(w io.Writer, names []string) error {
	return simpleRootTmpl.Execute(w, names)
}

// simplePackageTmpl renders simple/<pkg>/index.html, a PEP 503 package
// index with the PEP 503 hash fragment on each link.
var simplePackageTmpl = template.Must(template.New("simple-package").Parse(`<!DOCTYPE html>
<html>
<head><title>Links for {{.Package}}</title></head>
<body>
<h1>Links for {{.Package}}</h1>
{{range .Files}}<a href="../../simple/{{$.Package}}/{{.Filename}}#sha256={{.Hash}}">{{.Filename}}</a><br/>
{{end}}</body>
</html>
`))

func renderSimplePackageIndex(w io.Writer, pkg string, files []catalog.File) error {
	data := struct {
		Package string
		Files   []catalog.File
	}{Package: pkg, Files: files}
	return simplePackageTmpl.Execute(w, data)
}

// projectPageTmpl renders project/<pkg>/index.html, the human-facing
// project page.
var projectPageTmpl = template.Must(template.New("project-page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Package}} - piwheels</title></head>
<body>
<h1>{{.Package}}</h1>
<p><a href="/simple/{{.Package}}/">Package index</a></p>
<p><a href="json/">JSON API</a></p>
</body>
</html>
`))

func renderProjectPage(w io.Writer, pkg string) error {
	data := struct{ Package string }{Package: pkg}
	return projectPageTmpl.Execute(w, data)
}

// Sitemap XML shapes, per https://www.sitemaps.org/protocol.html.

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

type sitemapIndex struct {
	XMLName xml.Name       `xml:"sitemapindex"`
	Xmlns   string         `xml:"xmlns,attr"`
	Entries []sitemapEntry `xml:"sitemap"`
}

const sitemapXMLNS = "http://www.sitemaps.org/schemas/sitemap/0.9"
const siteBaseURL = "https://www.piwheels.org"

func renderStaticSitemap(w io.Writer) error {
	set := urlSet{
		Xmlns: sitemapXMLNS,
		URLs: []sitemapURL{
			{Loc: siteBaseURL + "/"},
			{Loc: siteBaseURL + "/faq.html"},
			{Loc: siteBaseURL + "/stats.html"},
		},
	}
	return writeXML(w, set)
}

func renderPackageSitemap(w io.Writer, names []string) error {
	urls := make([]sitemapURL, 0, len(names))
	for _, name := range names {
		urls = append(urls, sitemapURL{Loc: fmt.Sprintf("%s/project/%s/", siteBaseURL, name)})
	}
	return writeXML(w, urlSet{Xmlns: sitemapXMLNS, URLs: urls})
}

func renderSitemapIndex(w io.Writer, numPages int, now time.Time) error {
	entries := make([]sitemapEntry, 0, numPages+1)
	stamp := now.Format("2006-01-02")
	entries = append(entries, sitemapEntry{Loc: siteBaseURL + "/sitemap0.xml", LastMod: stamp})
	for i := 1; i <= numPages; i++ {
		entries = append(entries, sitemapEntry{Loc: fmt.Sprintf("%s/sitemap%d.xml", siteBaseURL, i), LastMod: stamp})
	}
	return writeXML(w, sitemapIndex{Xmlns: sitemapXMLNS, Entries: entries})
}

func writeXML(w io.Writer, v interface{}) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(v)
}
