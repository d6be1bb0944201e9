// Package source turns channel source URLs into decoded sample buffers.
// Every failure here is scoped to one channel: callers map errors to a
// silent channel and keep the rest of the project playable.
package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/rs/zerolog"

	"github.com/cbegin/stepgrid-go/internal/sample"
)

const (
	// KindResourceLoad tags per-channel source failures.
	KindResourceLoad = ftag.Kind("resource_load")
	// KindUnsupportedContentType is a resource load failure for responses
	// whose declared type cannot carry audio.
	KindUnsupportedContentType = ftag.Kind("unsupported_content_type")
)

// IsResourceLoad reports whether an error is scoped to a single channel
// source, including the unsupported content type case.
func IsResourceLoad(err error) bool {
	k := ftag.Get(err)
	return k == KindResourceLoad || k == KindUnsupportedContentType
}

// Resolver fetches and decodes channel sources. One Resolver serves any
// number of concurrent Resolve calls.
type Resolver struct {
	client *http.Client
	rate   int
	log    zerolog.Logger
}

func NewResolver(rate int, log zerolog.Logger) *Resolver {
	return &Resolver{
		client: &http.Client{Timeout: 30 * time.Second},
		rate:   rate,
		log:    log,
	}
}

// Resolve fetches one channel source and decodes it to the engine rate.
// http(s) URLs are fetched, data: URLs are decoded inline, and anything
// else is read as a local file path.
func (r *Resolver) Resolve(ctx context.Context, url string) (*sample.Buffer, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		return r.decodeBase64Audio(url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return r.resolveHTTP(ctx, url)
	}
	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("read source file"))
	}
	return r.decodePayload(data, "")
}

func (r *Resolver) resolveHTTP(ctx context.Context, url string) (*sample.Buffer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("build source request"))
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("fetch source"))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New("source fetch failed: "+resp.Status, ftag.With(KindResourceLoad))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("read source body"))
	}
	return r.decodePayload(data, resp.Header.Get("Content-Type"))
}

// decodePayload routes a fetched body by its declared content type. Audio
// types decode directly; JSON types carry base64 audio in an audioData
// field; anything else is refused. Untyped payloads (local files, servers
// answering octet-stream) are sniffed: a body shaped like a JSON object
// takes the embedded route, everything else is tried as audio.
func (r *Resolver) decodePayload(data []byte, contentType string) (*sample.Buffer, error) {
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json",
		strings.HasSuffix(mediaType, "+json"):
		return r.resolveEmbedded(data)
	case mediaType == "", mediaType == "application/octet-stream":
		if looksLikeJSON(data) {
			return r.resolveEmbedded(data)
		}
		return r.decodeAudio(data)
	case strings.HasPrefix(mediaType, "audio/"):
		return r.decodeAudio(data)
	}
	return nil, fault.New("unsupported content type "+mediaType, ftag.With(KindUnsupportedContentType))
}

func (r *Resolver) decodeAudio(data []byte) (*sample.Buffer, error) {
	buf, err := sample.Decode(data, r.rate)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("decode audio"))
	}
	r.log.Debug().Int("frames", buf.Frames()).Int("rate", buf.SampleRate).Msg("source decoded")
	return buf, nil
}

// looksLikeJSON reports whether an untyped payload opens a JSON object.
// No audio container starts with '{', so the sniff never steals a sample.
func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (r *Resolver) resolveEmbedded(data []byte) (*sample.Buffer, error) {
	var doc struct {
		AudioData string `json:"audioData"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("embedded audio document"))
	}
	if doc.AudioData == "" {
		return nil, fault.New("embedded audio document has no audioData", ftag.With(KindResourceLoad))
	}
	return r.decodeBase64Audio(doc.AudioData)
}

// decodeBase64Audio handles a "<prefix>,<base64>" value, splitting on the
// first comma so that commas inside the prefix's parameter list never shift
// the payload boundary.
func (r *Resolver) decodeBase64Audio(value string) (*sample.Buffer, error) {
	payload := value
	if i := strings.IndexByte(value, ','); i >= 0 {
		payload = value[i+1:]
	}
	payload = strings.Map(dropSpace, payload)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("base64 audio payload"))
	}
	buf, err := sample.Decode(raw, r.rate)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(KindResourceLoad), fmsg.With("decode embedded audio"))
	}
	return buf, nil
}

func dropSpace(c rune) rune {
	switch c {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return c
}
