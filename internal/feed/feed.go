// Package feed reads podcast RSS feeds and rewrites their audio
// enclosures so players fetch cleaned episodes through this service.
package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is returned when a document is not a usable RSS feed.
var ErrParse = errors.New("feed: not an rss document")

// Feed is the subset of an RSS channel that survives rewriting.
type Feed struct {
	Title       string
	Link        string
	Description string
	Language    string
	Episodes    []Episode
}

// Episode is one item carrying an audio enclosure.
type Episode struct {
	Title       string
	Description string
	Published   string
	GUID        string
	AudioURL    string
	AudioType   string
	Length      int64
}

// element captures a child together with its namespace, so that
// itunes:title and friends do not shadow the plain RSS fields.
type element struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type elements []element

func (es elements) plain() string {
	for _, e := range es {
		if e.XMLName.Space == "" {
			return strings.TrimSpace(e.Text)
		}
	}
	return ""
}

type rssIn struct {
	XMLName xml.Name `xml:"rss"`
	Channel *struct {
		Title       elements `xml:"title"`
		Link        elements `xml:"link"`
		Description elements `xml:"description"`
		Language    elements `xml:"language"`
		Items       []itemIn `xml:"item"`
	} `xml:"channel"`
}

type itemIn struct {
	Title       elements      `xml:"title"`
	Description elements      `xml:"description"`
	PubDate     elements      `xml:"pubDate"`
	GUID        elements      `xml:"guid"`
	Enclosures  []enclosureIn `xml:"enclosure"`
}

type enclosureIn struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length string `xml:"length,attr"`
}

// Parse decodes an RSS 2.0 document. Items without an audio enclosure
// are dropped.
func Parse(raw []byte) (*Feed, error) {
	var doc rssIn
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Channel == nil {
		return nil, fmt.Errorf("%w: missing channel", ErrParse)
	}

	ch := doc.Channel
	f := &Feed{
		Title:       ch.Title.plain(),
		Link:        ch.Link.plain(),
		Description: ch.Description.plain(),
		Language:    ch.Language.plain(),
	}
	for _, it := range ch.Items {
		enc, ok := audioEnclosure(it.Enclosures)
		if !ok {
			continue
		}
		length, _ := strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
		f.Episodes = append(f.Episodes, Episode{
			Title:       it.Title.plain(),
			Description: it.Description.plain(),
			Published:   it.PubDate.plain(),
			GUID:        it.GUID.plain(),
			AudioURL:    strings.TrimSpace(enc.URL),
			AudioType:   enc.Type,
			Length:      length,
		})
	}
	return f, nil
}

// audioEnclosure picks the first enclosure that is audio or untyped.
func audioEnclosure(encs []enclosureIn) (enclosureIn, bool) {
	for _, e := range encs {
		if strings.TrimSpace(e.URL) == "" {
			continue
		}
		if e.Type == "" || strings.HasPrefix(e.Type, "audio/") {
			return e, true
		}
	}
	return enclosureIn{}, false
}

// Rewrite replaces every episode's audio URL with link(original).
func (f *Feed) Rewrite(link func(audioURL string) string) {
	for i := range f.Episodes {
		f.Episodes[i].AudioURL = link(f.Episodes[i].AudioURL)
	}
}

type rssOut struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel channelOut `xml:"channel"`
}

type channelOut struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Language    string    `xml:"language,omitempty"`
	Items       []itemOut `xml:"item"`
}

type itemOut struct {
	Title       string       `xml:"title"`
	Description string       `xml:"description,omitempty"`
	PubDate     string       `xml:"pubDate,omitempty"`
	GUID        *guidOut     `xml:"guid,omitempty"`
	Enclosure   enclosureOut `xml:"enclosure"`
}

type guidOut struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type enclosureOut struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

// Encode renders the feed as a namespace-free RSS 2.0 document.
func (f *Feed) Encode() ([]byte, error) {
	out := rssOut{
		Version: "2.0",
		Channel: channelOut{
			Title:       f.Title,
			Link:        f.Link,
			Description: f.Description,
			Language:    f.Language,
		},
	}
	for _, ep := range f.Episodes {
		item := itemOut{
			Title:       ep.Title,
			Description: ep.Description,
			PubDate:     ep.Published,
			Enclosure: enclosureOut{
				URL:    ep.AudioURL,
				Type:   ep.AudioType,
				Length: ep.Length,
			},
		}
		if item.Enclosure.Type == "" {
			item.Enclosure.Type = "audio/mpeg"
		}
		if ep.GUID != "" {
			item.GUID = &guidOut{IsPermaLink: "false", Value: ep.GUID}
		}
		out.Channel.Items = append(out.Channel.Items, item)
	}

	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding feed: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
