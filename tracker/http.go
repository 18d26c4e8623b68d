package tracker

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// httpAnnounceResponse is the fixed shape of a bencoded HTTP tracker
// response (spec §4.3). The original Python client decoded this body
// with json.loads, which only worked by accident against trackers whose
// bencode happened to look JSON-ish; this client decodes it as bencode.
type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	MinInterval   int    `bencode:"min interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

// HTTPClient announces over HTTP(S) GET, percent-encoding the raw
// info_hash and peer_id bytes (spec §4.3).
type HTTPClient struct {
	AnnounceURL string
	HTTP        *http.Client
}

// NewHTTPClient builds an HTTPClient with a sane request timeout.
func NewHTTPClient(announceURL string) *HTTPClient {
	return &HTTPClient{
		AnnounceURL: announceURL,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Announce implements Client.
func (c *HTTPClient) Announce(req Request) (Response, error) {
	u, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "bad announce url", Wrapped: err}
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != EventPeriodic {
		q.Set("event", req.Event.String())
	}
	if req.IP != "" {
		q.Set("ip", req.IP)
	}
	u.RawQuery = encodeRawBytesQuery(q)

	resp, err := c.HTTP.Get(u.String())
	if err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "http request failed", Wrapped: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &Error{Kind: HTTPStatus, Status: resp.StatusCode}
	}

	var tr httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "not valid bencode", Wrapped: err}
	}
	if tr.FailureReason != "" {
		return Response{}, &Error{Kind: Denied, Detail: tr.FailureReason}
	}

	peers, err := ParseCompactPeers([]byte(tr.Peers))
	if err != nil {
		return Response{}, err
	}

	return Response{
		Interval:    tr.Interval,
		MinInterval: tr.MinInterval,
		Complete:    tr.Complete,
		Incomplete:  tr.Incomplete,
		Peers:       peers,
	}, nil
}

// encodeRawBytesQuery re-encodes a url.Values where info_hash/peer_id hold
// raw bytes stuffed into a Go string, matching BEP 3's requirement that
// those two keys be percent-encoded byte-for-byte rather than treated as
// UTF-8 text (net/url.Values.Encode would mangle non-UTF8 bytes the same
// way, but building the query by hand keeps the intent explicit).
func encodeRawBytesQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	// Stable, deterministic ordering is not required by any tracker, but
	// keeps request construction testable.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var out []byte
	for _, k := range keys {
		for _, v := range q[k] {
			if len(out) > 0 {
				out = append(out, '&')
			}
			out = append(out, percentEncode(k)...)
			out = append(out, '=')
			out = append(out, percentEncode(v)...)
		}
	}
	return string(out)
}

func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') ||
			b == '-' || b == '_' || b == '.' || b == '~' {
			out = append(out, b)
			continue
		}
		out = append(out, '%', hex[b>>4], hex[b&0xF])
	}
	return string(out)
}

