// Package content fetches documents for the headless engine backends
// and extracts their scripts in document order. Real engines do their
// own loading; the headless backends share this one.
package content

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// Script is one executable unit of a document: either inline source or
// source fetched from a src attribute, already resolved.
type Script struct {
	Src    string // empty for inline scripts
	Source string
}

// Document is a loaded page ready for the engine: the raw markup and
// its scripts in the order the parser encountered them.
type Document struct {
	URL     string
	HTML    string
	Scripts []Script
}

// Origin returns the scheme://host part of the document URL, used to
// scope DOM storage. Unparseable and file URLs collapse to "null".
func (d *Document) Origin() string {
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" || u.Scheme == "file" || u.Scheme == "data" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

// Loader fetches documents and their subresources. The zero value uses
// http.DefaultClient.
type Loader struct {
	Client *http.Client
}

func (l *Loader) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

// Load fetches rawURL and parses it into a Document. Supported schemes:
// http, https, file, data (text/html) and about:blank.
func (l *Loader) Load(rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}

	var markup string
	switch u.Scheme {
	case "http", "https":
		markup, err = l.get(rawURL)
	case "file":
		markup, err = readFileURL(u)
	case "data":
		markup, err = decodeDataURL(u)
	case "about":
		markup = ""
	default:
		// Bare paths navigate like the original did with local files.
		if u.Scheme == "" {
			var b []byte
			if b, err = os.ReadFile(rawURL); err == nil {
				markup = string(b)
			}
		} else {
			err = fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
	}
	if err != nil {
		return nil, err
	}

	doc := &Document{URL: rawURL, HTML: markup}
	if markup == "" {
		return doc, nil
	}
	doc.Scripts, err = l.extractScripts(markup, u)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (l *Loader) get(rawURL string) (string, error) {
	resp, err := l.client().Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return string(b), nil
}

func readFileURL(u *url.URL) (string, error) {
	p := u.Path
	if u.Host != "" {
		// file://host/share style paths on Windows-ish URLs.
		p = "//" + u.Host + u.Path
	}
	b, err := os.ReadFile(filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	return string(b), nil
}

func decodeDataURL(u *url.URL) (string, error) {
	meta, payload, ok := strings.Cut(u.Opaque, ",")
	if !ok {
		return "", fmt.Errorf("malformed data url")
	}
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("decoding data url: %w", err)
		}
		return string(b), nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return "", fmt.Errorf("decoding data url: %w", err)
	}
	return s, nil
}

// extractScripts walks the parsed tree collecting script elements in
// document order, fetching src scripts relative to base.
func (l *Loader) extractScripts(markup string, base *url.URL) ([]Script, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	var scripts []Script
	var walk func(n *html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode && n.Data == "script" {
			s, err := l.scriptFor(n, base)
			if err != nil {
				return err
			}
			if s != nil {
				scripts = append(scripts, *s)
			}
			return nil
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return scripts, nil
}

func (l *Loader) scriptFor(n *html.Node, base *url.URL) (*Script, error) {
	var src string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "src":
			src = a.Val
		case "type":
			// Only classic and module scripts execute; JSON/templates
			// and the like do not.
			t := strings.ToLower(strings.TrimSpace(a.Val))
			if t != "" && t != "text/javascript" && t != "application/javascript" && t != "module" {
				return nil, nil
			}
		}
	}
	if src != "" {
		ref, err := url.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("script src %q: %w", src, err)
		}
		abs := base.ResolveReference(ref)
		var source string
		switch abs.Scheme {
		case "http", "https":
			source, err = l.get(abs.String())
		case "file", "":
			source, err = readFileURL(abs)
		default:
			err = fmt.Errorf("script src scheme %q unsupported", abs.Scheme)
		}
		if err != nil {
			return nil, err
		}
		return &Script{Src: abs.String(), Source: source}, nil
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, nil
	}
	return &Script{Source: sb.String()}, nil
}
