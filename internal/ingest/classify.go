// Package ingest turns pasted or dropped content into picks.
package ingest

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

type Route string

const (
	RouteBinary   Route = "binary"
	RouteRejected Route = "rejected"
	RouteDataURI  Route = "dataURI"
	RouteImageURL Route = "imageURL"
	RouteProbable Route = "probable"
	RouteNone     Route = "none"
)

// Rejection names a known link shape that never resolves to an image.
type Rejection string

const (
	RejectProxy      Rejection = "proxyLink"
	RejectRedirect   Rejection = "redirectLink"
	RejectBrokenCopy Rejection = "brokenCopyLink"
)

var rejectionMessages = map[Rejection]string{
	RejectProxy:      `That is a Google Images preview link, not the image. Open the image, right-click it and choose "Copy image address".`,
	RejectRedirect:   "That is a Google redirect link. Open the page it points to and copy the image address from there.",
	RejectBrokenCopy: `Google copied a link to its results page instead of the image. Right-click the image itself and choose "Copy image".`,
}

// Item is one clipboard or drop entry carrying raw bytes.
type Item struct {
	MIME string
	Name string
	Data []byte
}

// Payload is everything a single paste or drop delivered.
type Payload struct {
	Items []Item
	Text  string
}

// Classification is the handling path chosen for a payload.
type Classification struct {
	Route     Route
	Item      *Item
	Text      string
	Rejection Rejection
	Message   string
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
	".bmp": true, ".avif": true, ".ico": true, ".tif": true, ".tiff": true,
}

var imageHosts = []string{
	"images.unsplash.com",
	"i.pinimg.com",
	"pbs.twimg.com",
	"i.imgur.com",
	"i.redd.it",
	"preview.redd.it",
	"images.pexels.com",
	"cdn.dribbble.com",
	"upload.wikimedia.org",
	"media.discordapp.net",
	"cdn.discordapp.com",
	"res.cloudinary.com",
	"googleusercontent.com",
	"gstatic.com",
	"cdninstagram.com",
	"fbcdn.net",
	"imgix.net",
	"media.giphy.com",
}

var thumbnailParams = []string{"w", "width", "h", "height", "fm", "format", "thumb", "thumbnail", "size"}

var googleHost = regexp.MustCompile(`(^|\.)google\.[a-z]{2,3}(\.[a-z]{2})?$`)

// Classify picks exactly one route for p, in precedence order: image
// bytes, rejected link shapes, data URI, image URL, probable image host.
func Classify(p Payload) Classification {
	for i := range p.Items {
		item := &p.Items[i]
		if strings.HasPrefix(strings.ToLower(item.MIME), "image/") && len(item.Data) > 0 {
			return Classification{Route: RouteBinary, Item: item}
		}
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return Classification{Route: RouteNone}
	}

	u, err := url.Parse(text)
	isWeb := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""

	if isWeb {
		if r, ok := rejection(u); ok {
			return Classification{Route: RouteRejected, Text: text, Rejection: r, Message: rejectionMessages[r]}
		}
	}
	if strings.HasPrefix(strings.ToLower(text), "data:image/") {
		return Classification{Route: RouteDataURI, Text: text}
	}
	if !isWeb {
		return Classification{Route: RouteNone}
	}
	if imageExtensions[strings.ToLower(path.Ext(u.Path))] {
		return Classification{Route: RouteImageURL, Text: text}
	}
	if probableImage(u) {
		return Classification{Route: RouteProbable, Text: text}
	}
	return Classification{Route: RouteNone}
}

func rejection(u *url.URL) (Rejection, bool) {
	if !googleHost.MatchString(strings.ToLower(u.Hostname())) {
		return "", false
	}
	switch strings.TrimSuffix(u.Path, "/") {
	case "/imgres":
		return RejectProxy, true
	case "/url":
		if u.Query().Get("sa") == "i" {
			return RejectBrokenCopy, true
		}
		return RejectRedirect, true
	}
	return "", false
}

func probableImage(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range imageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	q := u.Query()
	for _, key := range thumbnailParams {
		if q.Has(key) {
			return true
		}
	}
	return false
}
